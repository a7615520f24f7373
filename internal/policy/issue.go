// Package policy implements the deterministic rule engine that inspects
// candidate SQL statements before any execution. Validation is a pure
// function of the statement text, the caller's resolved role, and the
// policy configuration; it performs no I/O and holds no mutable state.
package policy

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// rank orders severities so the worst finding can be selected; higher is worse.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

type IssueType string

const (
	IssueNotSelect        IssueType = "not-a-select"
	IssueWriteOperation   IssueType = "write-operation"
	IssueCrossTenant      IssueType = "cross-tenant-reference"
	IssueTenantUnproven   IssueType = "tenant-isolation-unproven"
	IssueDisallowedTable  IssueType = "disallowed-table"
	IssueSensitiveColumn  IssueType = "sensitive-column"
	IssueTooComplex       IssueType = "statement-too-complex"
	IssueStackedStatement IssueType = "stacked-statement"
	IssueSuspiciousToken  IssueType = "suspicious-pattern"
)

type SecurityIssue struct {
	Type            IssueType `json:"type"`
	Severity        Severity  `json:"severity"`
	Message         string    `json:"message"`
	DetectedPattern string    `json:"detected_pattern,omitempty"`
}

type SecurityVerdict struct {
	AllowedToExecute bool            `json:"allowed_to_execute"`
	Confidence       int             `json:"confidence"`
	Issues           []SecurityIssue `json:"issues"`
}

// WorstSeverity returns the highest-ranked severity among the verdict's
// issues, or the empty string when the verdict is clean.
func (v SecurityVerdict) WorstSeverity() Severity {
	var worst Severity
	for _, issue := range v.Issues {
		if issue.Severity.rank() > worst.rank() {
			worst = issue.Severity
		}
	}
	return worst
}

// HasSeverity reports whether any issue meets or exceeds the given severity.
func (v SecurityVerdict) HasSeverity(min Severity) bool {
	for _, issue := range v.Issues {
		if issue.Severity.rank() >= min.rank() {
			return true
		}
	}
	return false
}
