package policy

import (
	"fmt"
	"regexp"
	"strings"
)

var writeKeywordPattern = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|TRUNCATE|ALTER|CREATE|GRANT|REVOKE)\b`)

type Validator struct {
	cfg Config
}

func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate inspects a candidate statement and returns an aggregate verdict.
// Every check runs even after a failure so the verdict carries the full
// audit trail, and calling twice with the same inputs yields the same
// verdict.
func (v *Validator) Validate(statement string, role Role, callerID, tenantScope string) SecurityVerdict {
	var issues []SecurityIssue

	masked := maskLiterals(statement)
	issues = append(issues, v.checkShape(statement)...)
	issues = append(issues, v.checkDenylist(masked)...)
	issues = append(issues, v.checkTenantIsolation(statement, masked, role, tenantScope)...)
	issues = append(issues, v.checkAllowlist(masked, role)...)
	issues = append(issues, v.checkComplexity(statement, masked)...)

	if issues == nil {
		issues = []SecurityIssue{}
	}

	confidence := 100
	for _, issue := range issues {
		confidence -= v.cfg.Penalties[issue.Severity]
	}
	if confidence < 0 {
		confidence = 0
	}

	verdict := SecurityVerdict{
		Confidence: confidence,
		Issues:     issues,
	}
	verdict.AllowedToExecute = !verdict.HasSeverity(SeverityHigh) && confidence >= v.cfg.PassThreshold
	return verdict
}

func (v *Validator) checkShape(statement string) []SecurityIssue {
	lead := stripLeadingComments(statement)
	if lead == "" {
		return []SecurityIssue{{
			Type:     IssueNotSelect,
			Severity: SeverityCritical,
			Message:  "statement is empty",
		}}
	}
	first := lead
	if idx := strings.IndexFunc(lead, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' }); idx > 0 {
		first = lead[:idx]
	}
	if !strings.EqualFold(first, "SELECT") {
		return []SecurityIssue{{
			Type:            IssueNotSelect,
			Severity:        SeverityCritical,
			Message:         "only SELECT statements may be executed",
			DetectedPattern: first,
		}}
	}
	return nil
}

func (v *Validator) checkDenylist(masked string) []SecurityIssue {
	var issues []SecurityIssue
	for _, match := range writeKeywordPattern.FindAllString(masked, -1) {
		issues = append(issues, SecurityIssue{
			Type:            IssueWriteOperation,
			Severity:        SeverityCritical,
			Message:         fmt.Sprintf("statement contains write/DDL keyword %s", strings.ToUpper(match)),
			DetectedPattern: match,
		})
	}
	return issues
}

func (v *Validator) checkTenantIsolation(statement, masked string, role Role, tenantScope string) []SecurityIssue {
	if !role.IsTenantScoped() {
		return nil
	}

	var issues []SecurityIssue
	for _, ref := range extractTableRefs(masked) {
		db := ref.Database()
		if db == "" {
			continue
		}
		switch {
		case tenantScope == "":
			issues = append(issues, SecurityIssue{
				Type:            IssueTenantUnproven,
				Severity:        SeverityMedium,
				Message:         "cross-database reference cannot be proven tenant-safe without a tenant scope",
				DetectedPattern: ref.Raw,
			})
		case !strings.EqualFold(db, tenantScope):
			issues = append(issues, SecurityIssue{
				Type:            IssueCrossTenant,
				Severity:        SeverityHigh,
				Message:         fmt.Sprintf("statement references database %q outside the caller's tenant scope", db),
				DetectedPattern: ref.Raw,
			})
		}
	}

	for _, literal := range tenantLiterals(statement) {
		if tenantScope != "" && literal == tenantScope {
			continue
		}
		severity := SeverityHigh
		issueType := IssueCrossTenant
		message := fmt.Sprintf("statement filters on a tenant identifier %q other than the caller's own", literal)
		if tenantScope == "" {
			severity = SeverityMedium
			issueType = IssueTenantUnproven
			message = "statement filters on a literal tenant identifier that cannot be verified"
		}
		issues = append(issues, SecurityIssue{
			Type:            issueType,
			Severity:        severity,
			Message:         message,
			DetectedPattern: literal,
		})
	}
	return issues
}

func (v *Validator) checkAllowlist(masked string, role Role) []SecurityIssue {
	var issues []SecurityIssue

	allowed, wildcard := v.cfg.allowedTables(role)
	for _, ref := range extractTableRefs(masked) {
		if wildcard || allowed[ref.Table()] {
			continue
		}
		issues = append(issues, SecurityIssue{
			Type:            IssueDisallowedTable,
			Severity:        SeverityHigh,
			Message:         fmt.Sprintf("table %q is not permitted for role %q", ref.Table(), role),
			DetectedPattern: ref.Raw,
		})
	}

	// Sensitive columns are blocked for every role, operators included.
	lower := strings.ToLower(masked)
	for _, column := range v.cfg.SensitiveColumns {
		column = strings.ToLower(strings.TrimSpace(column))
		if column == "" {
			continue
		}
		if containsWord(lower, column) {
			issues = append(issues, SecurityIssue{
				Type:            IssueSensitiveColumn,
				Severity:        SeverityCritical,
				Message:         fmt.Sprintf("statement references sensitive column %q", column),
				DetectedPattern: column,
			})
		}
	}
	return issues
}

func (v *Validator) checkComplexity(statement, masked string) []SecurityIssue {
	var issues []SecurityIssue

	if trailing := trailingStatement(masked); trailing != "" {
		issues = append(issues, SecurityIssue{
			Type:            IssueStackedStatement,
			Severity:        SeverityMedium,
			Message:         "statement terminator is followed by further tokens",
			DetectedPattern: truncatePattern(trailing),
		})
	}
	if v.cfg.Limits.MaxStatementLength > 0 && len(statement) > v.cfg.Limits.MaxStatementLength {
		issues = append(issues, SecurityIssue{
			Type:     IssueTooComplex,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("statement length %d exceeds the limit of %d", len(statement), v.cfg.Limits.MaxStatementLength),
		})
	}
	if depth := nestingDepth(masked); v.cfg.Limits.MaxNestingDepth > 0 && depth > v.cfg.Limits.MaxNestingDepth {
		issues = append(issues, SecurityIssue{
			Type:     IssueTooComplex,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("nesting depth %d exceeds the limit of %d", depth, v.cfg.Limits.MaxNestingDepth),
		})
	}
	if strings.Contains(statement, "--") || strings.Contains(statement, "/*") {
		issues = append(issues, SecurityIssue{
			Type:            IssueSuspiciousToken,
			Severity:        SeverityLow,
			Message:         "statement contains comment sequences often used to truncate queries",
			DetectedPattern: "comment",
		})
	}
	return issues
}

// containsWord reports whether needle occurs in haystack bounded by
// non-identifier characters on both sides.
func containsWord(haystack, needle string) bool {
	for start := 0; ; {
		idx := strings.Index(haystack[start:], needle)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(needle)
		beforeOK := idx == 0 || !isIdentChar(haystack[idx-1])
		afterOK := end == len(haystack) || !isIdentChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func truncatePattern(value string) string {
	const limit = 40
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
