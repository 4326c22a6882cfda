package schema

import (
	"fmt"
	"strings"
)

// ValidationIssue is one construction problem, located by the step id (or
// document path) it concerns.
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult collects every issue found while building a graph or
// compiling a definition, so all of them are reported at once.
type ValidationResult struct {
	Errors []ValidationIssue `json:"errors,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message})
}

func (r *ValidationResult) AddErrorf(path, code, format string, args ...any) {
	r.AddError(path, code, fmt.Sprintf(format, args...))
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
	}
}

// ToError returns nil when valid. Otherwise the error carries the code the
// issues share, or VALIDATION_ERROR when they disagree, and lists every
// issue under Details["issues"].
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := r.Errors[0].Code
	msgs := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		if issue.Code != code {
			code = ErrCodeValidation
		}
		msgs[i] = issue.Message
	}
	msg := msgs[0]
	if len(msgs) > 1 {
		msg = fmt.Sprintf("%d construction errors: %s", len(msgs), strings.Join(msgs, "; "))
	}
	return NewError(code, msg).WithDetails(map[string]any{
		"error_count": len(r.Errors),
		"issues":      r.Errors,
	})
}
