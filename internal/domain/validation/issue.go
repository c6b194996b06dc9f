// Package validation defines the shared issue vocabulary used by every
// validator in the audit engine. Validators accumulate issues instead of
// aborting, so a caller sees all problems with a bundle in a single pass.
package validation

import "fmt"

// Code identifies the class of a validation issue.
type Code string

const (
	CodeInvalidStagingCode Code = "InvalidStagingCode"
	CodeInconsistentDates  Code = "InconsistentDates"
	CodeInvalidState       Code = "InvalidState"
	CodeConflictingOutcome Code = "ConflictingOutcome"
	CodeDanglingReference  Code = "DanglingReference"
	CodeInvalidStomaState  Code = "InvalidStomaState"
	CodeDuplicateReversal  Code = "DuplicateReversal"
	CodeExportRefused      Code = "ExportRefused"
)

// Severity distinguishes hard rule violations from advisory findings.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding. Path points at the offending field
// (e.g. "treatments[1].surgery.anastomotic_leak") so callers can highlight
// exactly what to fix. AuditCode is set when the issue maps to an entry in
// the audit dataset's requirement table.
type Issue struct {
	Code      Code     `json:"code"`
	Severity  Severity `json:"severity"`
	Path      string   `json:"path"`
	AuditCode string   `json:"audit_code,omitempty"`
	Message   string   `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", i.Severity, i.Code, i.Path, i.Message)
}

// Errorf builds an error-severity issue.
func Errorf(code Code, path, format string, args ...interface{}) Issue {
	return Issue{Code: code, Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)}
}

// Warnf builds a warning-severity issue.
func Warnf(code Code, path, format string, args ...interface{}) Issue {
	return Issue{Code: code, Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)}
}

// Issues is an accumulated list of findings.
type Issues []Issue

// HasErrors reports whether any issue has error severity.
func (is Issues) HasErrors() bool {
	for _, i := range is {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ByCode returns the subset of issues with the given code.
func (is Issues) ByCode(code Code) Issues {
	var out Issues
	for _, i := range is {
		if i.Code == code {
			out = append(out, i)
		}
	}
	return out
}
