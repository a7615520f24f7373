package policy

import (
	"regexp"
	"strings"
)

// maskLiterals blanks out the contents of single-quoted strings and SQL
// comments so keyword and identifier scans cannot be fooled by literal text.
// The masked output has the same length as the input.
func maskLiterals(statement string) string {
	out := []byte(statement)
	i := 0
	for i < len(out) {
		switch {
		case out[i] == '\'':
			j := i + 1
			for j < len(out) {
				if out[j] == '\'' {
					// doubled quote escapes a quote inside the literal
					if j+1 < len(out) && out[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			for k := i + 1; k < j && k < len(out); k++ {
				out[k] = ' '
			}
			i = j + 1
		case out[i] == '-' && i+1 < len(out) && out[i+1] == '-':
			j := i
			for j < len(out) && out[j] != '\n' {
				out[j] = ' '
				j++
			}
			i = j
		case out[i] == '/' && i+1 < len(out) && out[i+1] == '*':
			j := i
			for j < len(out) {
				if out[j] == '*' && j+1 < len(out) && out[j+1] == '/' {
					out[j] = ' '
					out[j+1] = ' '
					j += 2
					break
				}
				out[j] = ' '
				j++
			}
			i = j
		default:
			i++
		}
	}
	return string(out)
}

// stripLeadingComments removes whitespace and comments from the front of a
// statement so the leading keyword can be inspected.
func stripLeadingComments(statement string) string {
	rest := strings.TrimSpace(statement)
	for {
		switch {
		case strings.HasPrefix(rest, "--"):
			idx := strings.IndexByte(rest, '\n')
			if idx < 0 {
				return ""
			}
			rest = strings.TrimSpace(rest[idx+1:])
		case strings.HasPrefix(rest, "/*"):
			idx := strings.Index(rest, "*/")
			if idx < 0 {
				return ""
			}
			rest = strings.TrimSpace(rest[idx+2:])
		default:
			return rest
		}
	}
}

const tableIdent = `"?[A-Za-z_][\w$]*"?(?:\."?[A-Za-z_][\w$]*"?){0,2}`

var (
	tableRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+(` + tableIdent + `)`)
	// tableListPattern continues a comma-separated FROM list: an optional
	// alias, a comma, then the next reference.
	tableListPattern = regexp.MustCompile(`(?i)^\s*(?:AS\s+[A-Za-z_][\w$]*|[A-Za-z_][\w$]*)?\s*,\s*(` + tableIdent + `)`)
)

// tableRef is a possibly-qualified table reference, split into its parts:
// [table], [schema, table], or [database, schema, table].
type tableRef struct {
	Raw   string
	Parts []string
}

func (r tableRef) Table() string {
	return r.Parts[len(r.Parts)-1]
}

func (r tableRef) Database() string {
	if len(r.Parts) == 3 {
		return r.Parts[0]
	}
	return ""
}

// extractTableRefs finds table references following FROM and JOIN keywords
// in a masked statement, walking comma-separated lists so every table in a
// "FROM a, b" clause is reported. Subquery parentheses are skipped by the
// pattern itself since "(" cannot start an identifier.
func extractTableRefs(masked string) []tableRef {
	var refs []tableRef
	seen := map[string]bool{}
	add := func(raw string) {
		key := strings.ToLower(raw)
		if seen[key] {
			return
		}
		seen[key] = true
		parts := strings.Split(key, ".")
		for i := range parts {
			parts[i] = strings.Trim(parts[i], `"`)
		}
		refs = append(refs, tableRef{Raw: raw, Parts: parts})
	}
	for _, loc := range tableRefPattern.FindAllStringSubmatchIndex(masked, -1) {
		add(masked[loc[2]:loc[3]])
		rest := masked[loc[3]:]
		for {
			m := tableListPattern.FindStringSubmatchIndex(rest)
			if m == nil {
				break
			}
			add(rest[m[2]:m[3]])
			rest = rest[m[1]:]
		}
	}
	return refs
}

// nestingDepth returns the maximum parenthesis nesting depth of the masked
// statement.
func nestingDepth(masked string) int {
	depth, deepest := 0, 0
	for i := 0; i < len(masked); i++ {
		switch masked[i] {
		case '(':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case ')':
			if depth > 0 {
				depth--
			}
		}
	}
	return deepest
}

// trailingStatement returns any non-blank text after the first statement
// terminator, indicating a stacked statement.
func trailingStatement(masked string) string {
	idx := strings.IndexByte(masked, ';')
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(masked[idx+1:])
}

var tenantLiteralPattern = regexp.MustCompile(`(?i)\btenant_id\s*(?:=|!=|<>)\s*'([^']*)'`)

// tenantLiterals returns the values compared against tenant_id columns in
// the original (unmasked) statement text.
func tenantLiterals(statement string) []string {
	matches := tenantLiteralPattern.FindAllStringSubmatch(statement, -1)
	values := make([]string, 0, len(matches))
	for _, match := range matches {
		values = append(values, match[1])
	}
	return values
}
