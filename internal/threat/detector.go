// Package threat scans raw statement text for known unsafe constructs.
//
// Detection is signature based and runs independently of classification: a
// statement can lex as a clean READ and still trip a signature here, which
// forces a deny regardless of category or role. False positives are
// acceptable; missing a known-bad construct is not.
package threat

import "regexp"

// Signature identifiers are stable: they surface in decision reason codes
// ("threat-signature:<id>") and in the audit trail.
const (
	SigStatementChaining = "statement-chaining"
	SigCommentInjection  = "comment-injection"
	SigUnionProbing      = "union-probing"
	SigTautology         = "tautology-injection"
	SigProcedureExec     = "procedure-execution"
	SigSystemFunction    = "system-function"
)

// Patterns are compiled once at startup, never during a request.
var signatures = []struct {
	re     *regexp.Regexp
	id     string
	detail string
}{
	{regexp.MustCompile(`(?is);\s*(insert|update|delete|drop|create|alter|truncate|merge|grant|revoke|call|exec)\b`),
		SigStatementChaining, "terminator followed by a mutating keyword"},
	{regexp.MustCompile(`(?i)'\s*(--|#|/\*)`),
		SigCommentInjection, "quote followed by comment marker"},
	{regexp.MustCompile(`(?is)\bunion\b(\s+all)?\s+select\b`),
		SigUnionProbing, "union-based probing"},
	{regexp.MustCompile(`(?i)\b(or|and)\s+'?\d+'?\s*=\s*'?\d+'?`),
		SigTautology, "tautological predicate"},
	{regexp.MustCompile(`(?i)\bor\s+true\b`),
		SigTautology, "tautological predicate"},
	{regexp.MustCompile(`(?i)(^|[^a-z_])(call|execute(\s+immediate)?)\s`),
		SigProcedureExec, "stored procedure invocation"},
	{regexp.MustCompile(`(?i)\bexec\s*\(`),
		SigProcedureExec, "stored procedure invocation"},
	{regexp.MustCompile(`(?i)\bsystem\$[a-z_]+`),
		SigSystemFunction, "platform system function call"},
}

// Match is a single triggered signature.
type Match struct {
	ID     string
	Detail string
}

// Scan returns every signature matched by the statement text.
// Each signature id appears at most once in the result.
func Scan(text string) []Match {
	var matches []Match
	seen := make(map[string]bool, len(signatures))

	for _, s := range signatures {
		if seen[s.id] {
			continue
		}
		if s.re.MatchString(text) {
			seen[s.id] = true
			matches = append(matches, Match{ID: s.id, Detail: s.detail})
		}
	}

	return matches
}
