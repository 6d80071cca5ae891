package route

import (
	"path/filepath"
	"strings"
)

// fileRule matches a path suffix to workflow suggestions. Suffix rules let
// "_test.go" outrank a plain ".go" extension.
type fileRule struct {
	suffix    string
	workflows []string
}

// RegisterFileRule maps a path suffix (e.g. "_test.go", ".sql") to workflow
// suggestions. Longer suffixes are consulted first.
func (r *Router) RegisterFileRule(suffix string, workflows ...string) {
	r.fileRules = append(r.fileRules, fileRule{suffix: strings.ToLower(suffix), workflows: workflows})
	// Keep longest-suffix-first so the most specific rule wins.
	for i := len(r.fileRules) - 1; i > 0; i-- {
		if len(r.fileRules[i].suffix) > len(r.fileRules[i-1].suffix) {
			r.fileRules[i], r.fileRules[i-1] = r.fileRules[i-1], r.fileRules[i]
		}
	}
}

// RegisterErrorRule maps an error class (e.g. "nil_pointer", "timeout") to
// workflow suggestions.
func (r *Router) RegisterErrorRule(errorClass string, workflows ...string) {
	r.errorRules[strings.ToLower(errorClass)] = workflows
}

// SuggestForFile returns workflow suggestions for a file path.
// A pure rule-table lookup; no scoring, no LLM.
func (r *Router) SuggestForFile(path string) []string {
	lower := strings.ToLower(filepath.Base(path))
	for _, rule := range r.fileRules {
		if strings.HasSuffix(lower, rule.suffix) {
			return append([]string(nil), rule.workflows...)
		}
	}
	return nil
}

// SuggestForError returns workflow suggestions for an error class.
func (r *Router) SuggestForError(errorClass string) []string {
	if wf, ok := r.errorRules[strings.ToLower(errorClass)]; ok {
		return append([]string(nil), wf...)
	}
	return nil
}
