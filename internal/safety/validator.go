// Package safety statically analyzes candidate SQL before execution. It is
// purely lexical: it never runs the query, so validation is deterministic
// and side-effect free. Blocking violations prevent execution entirely;
// warnings are surfaced alongside results.
package safety

import (
	"fmt"
	"regexp"
	"strings"

	"querysmith/internal/logging"
)

// =============================================================================
// VIOLATIONS
// =============================================================================

// Severity distinguishes violations that block execution from advisories.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

// Kind identifies which policy check a violation came from.
type Kind string

const (
	KindNonReadOnly        Kind = "non_read_only"
	KindWildcardProjection Kind = "wildcard_projection"
	KindMissingLimit       Kind = "missing_limit"
	KindMissingOrder       Kind = "missing_order"
	KindOutOfScopeTable    Kind = "out_of_scope_table"
)

// Violation is one failed policy check.
type Violation struct {
	Kind     Kind
	Message  string
	Severity Severity
}

// Blocking reports whether any violation in the list prevents execution.
func Blocking(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// Strings renders violations for attempt traces.
func Strings(violations []Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = fmt.Sprintf("%s (%s): %s", v.Kind, v.Severity, v.Message)
	}
	return out
}

// Options controls the scope-sensitive and question-sensitive checks.
type Options struct {
	// TableScope is the set of tables the session may touch. Empty means
	// unrestricted.
	TableScope []string

	// RankingQuestion enables the missing ORDER BY advisory; classify the
	// originating question with IsRankingQuestion.
	RankingQuestion bool
}

// =============================================================================
// VALIDATION
// =============================================================================

var (
	writeKeywordPattern = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|merge|attach|detach|pragma|vacuum|reindex|grant|revoke)\b`)
	wildcardPattern     = regexp.MustCompile(`(?i)\bselect\s+(distinct\s+)?([a-z_][a-z0-9_]*\s*\.\s*)?\*`)
	limitPattern        = regexp.MustCompile(`(?i)\blimit\s+\d+`)
	orderByPattern      = regexp.MustCompile(`(?i)\border\s+by\b`)
	tableRefPattern     = regexp.MustCompile(`(?i)\b(?:from|join)\s+([a-z_][a-z0-9_]*)`)
	cteNamePattern      = regexp.MustCompile(`(?i)\b([a-z_][a-z0-9_]*)\s+as\s*\(`)
)

// Validate runs every policy check against the SQL text in fixed order.
// An empty slice means the statement passed.
func Validate(sqlText string, opts Options) []Violation {
	timer := logging.StartTimer(logging.CategorySafety, "Validate")
	defer timer.Stop()

	var violations []Violation
	stripped := stripLiteralsAndComments(sqlText)

	// 1. Read-only: a single SELECT (or WITH ... SELECT) and nothing else.
	if v := checkReadOnly(stripped); v != nil {
		violations = append(violations, *v)
	}

	// 2. Explicit projection: SELECT * hides schema drift and bloats rows.
	if wildcardPattern.MatchString(stripped) {
		violations = append(violations, Violation{
			Kind:     KindWildcardProjection,
			Message:  "SELECT * is not allowed; list the columns explicitly",
			Severity: SeverityBlocking,
		})
	}

	// 3. Bounded result set.
	if !limitPattern.MatchString(stripped) {
		violations = append(violations, Violation{
			Kind:     KindMissingLimit,
			Message:  "no LIMIT clause; result set is unbounded",
			Severity: SeverityWarning,
		})
	}

	// 4. Ranking questions should produce ordered results.
	if opts.RankingQuestion && !orderByPattern.MatchString(stripped) {
		violations = append(violations, Violation{
			Kind:     KindMissingOrder,
			Message:  "question asks for a ranking but the query has no ORDER BY",
			Severity: SeverityWarning,
		})
	}

	// 5. Table scope.
	if len(opts.TableScope) > 0 {
		scope := make(map[string]bool, len(opts.TableScope))
		for _, t := range opts.TableScope {
			scope[strings.ToLower(t)] = true
		}
		for _, table := range ReferencedTables(sqlText) {
			if !scope[table] {
				violations = append(violations, Violation{
					Kind:     KindOutOfScopeTable,
					Message:  fmt.Sprintf("table %q is outside the permitted scope", table),
					Severity: SeverityBlocking,
				})
			}
		}
	}

	if len(violations) > 0 {
		logging.SafetyDebug("Validate found %d violations: %v", len(violations), Strings(violations))
	}
	return violations
}

// checkReadOnly rejects multi-statement text and anything that is not a
// SELECT or a WITH ... SELECT chain.
func checkReadOnly(stripped string) *Violation {
	statements := 0
	for _, stmt := range strings.Split(stripped, ";") {
		if strings.TrimSpace(stmt) != "" {
			statements++
		}
	}
	if statements > 1 {
		return &Violation{
			Kind:     KindNonReadOnly,
			Message:  "multiple SQL statements are not allowed",
			Severity: SeverityBlocking,
		}
	}

	trimmed := strings.TrimSpace(stripped)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return &Violation{
			Kind:     KindNonReadOnly,
			Message:  "only SELECT statements are allowed",
			Severity: SeverityBlocking,
		}
	}

	if match := writeKeywordPattern.FindString(stripped); match != "" {
		return &Violation{
			Kind:     KindNonReadOnly,
			Message:  fmt.Sprintf("write operation %q is not allowed", strings.ToUpper(match)),
			Severity: SeverityBlocking,
		}
	}

	return nil
}

// ReferencedTables extracts the table names a query reads from, lowercased
// and deduplicated. Names introduced by the query itself (CTEs, derived
// table aliases) are excluded.
func ReferencedTables(sqlText string) []string {
	stripped := stripLiteralsAndComments(sqlText)

	local := make(map[string]bool)
	for _, match := range cteNamePattern.FindAllStringSubmatch(stripped, -1) {
		local[strings.ToLower(match[1])] = true
	}

	seen := make(map[string]bool)
	var tables []string
	for _, match := range tableRefPattern.FindAllStringSubmatch(stripped, -1) {
		name := strings.ToLower(match[1])
		if local[name] || seen[name] {
			continue
		}
		seen[name] = true
		tables = append(tables, name)
	}
	return tables
}

// =============================================================================
// LIMIT INJECTION
// =============================================================================

// InjectLimit appends a LIMIT clause to a query that lacks one. The caller
// is expected to have validated first; a query that already carries a LIMIT
// is returned unchanged.
func InjectLimit(sqlText string, n int) string {
	if limitPattern.MatchString(stripLiteralsAndComments(sqlText)) {
		return sqlText
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sqlText), ";")
	return fmt.Sprintf("%s LIMIT %d", trimmed, n)
}

// =============================================================================
// QUESTION CLASSIFICATION
// =============================================================================

var rankingCues = []string{
	"top", "most", "least", "highest", "lowest", "best", "worst",
	"largest", "smallest", "biggest", "fewest", "maximum", "minimum",
	"first", "last", "rank", "ranking", "leading",
}

// IsRankingQuestion reports whether a natural-language question asks for a
// ranked answer, using superlative phrasing as the cue.
func IsRankingQuestion(question string) bool {
	tokens := strings.Fields(strings.ToLower(question))
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,?!\"'")
		for _, cue := range rankingCues {
			if tok == cue {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// LEXER HELPERS
// =============================================================================

// stripLiteralsAndComments blanks out string literals, quoted identifiers,
// and comments so keyword scans cannot be fooled by quoted text.
func stripLiteralsAndComments(sqlText string) string {
	var b strings.Builder
	b.Grow(len(sqlText))

	runes := []rune(sqlText)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '\'', '"', '`':
			quote := runes[i]
			b.WriteRune(' ')
			for i++; i < len(runes); i++ {
				if runes[i] == quote {
					// Doubled quote is an escape, stay inside the literal.
					if i+1 < len(runes) && runes[i+1] == quote {
						i++
						continue
					}
					break
				}
			}
		case '-':
			if i+1 < len(runes) && runes[i+1] == '-' {
				for i < len(runes) && runes[i] != '\n' {
					i++
				}
				b.WriteRune('\n')
			} else {
				b.WriteRune(runes[i])
			}
		case '/':
			if i+1 < len(runes) && runes[i+1] == '*' {
				i += 2
				for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
					i++
				}
				i++
				b.WriteRune(' ')
			} else {
				b.WriteRune(runes[i])
			}
		default:
			b.WriteRune(runes[i])
		}
	}

	return b.String()
}
