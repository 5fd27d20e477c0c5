// Package classify derives a coarse category for SQL-like statements.
//
// The classifier is a keyword lexer, not a full SQL parser. It only has to be
// good enough to route a statement into the policy evaluator's category
// buckets; anything it cannot make sense of is UNKNOWN, which downstream
// policy denies by default.
package classify

import "strings"

// Category is the coarse classification of a statement.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryRead
	CategoryWrite
	CategoryDDL
	CategoryDCL
)

// String returns the lowercase category name.
func (c Category) String() string {
	switch c {
	case CategoryRead:
		return "read"
	case CategoryWrite:
		return "write"
	case CategoryDDL:
		return "ddl"
	case CategoryDCL:
		return "dcl"
	default:
		return "unknown"
	}
}

// Statement is a raw statement plus its derived classification.
// Immutable once returned from Classify.
type Statement struct {
	Raw                 string
	Category            Category
	ContainsHiddenWrite bool
}

// Leading keywords per category. CALL and EXECUTE are deliberately absent:
// procedure invocation is UNKNOWN here and flagged by the threat detector.
var (
	readKeywords = map[string]bool{
		"SELECT": true, "SHOW": true, "DESCRIBE": true, "DESC": true,
		"EXPLAIN": true, "USE": true, "LIST": true,
	}
	writeKeywords = map[string]bool{
		"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
		"TRUNCATE": true, "COPY": true,
	}
	ddlKeywords = map[string]bool{
		"CREATE": true, "ALTER": true, "DROP": true, "UNDROP": true,
		"COMMENT": true,
	}
	dclKeywords = map[string]bool{
		"GRANT": true, "REVOKE": true,
	}

	// Keywords that mutate data when found embedded in a read-shaped
	// statement (CTE body, subquery).
	embeddedWriteKeywords = map[string]bool{
		"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
		"TRUNCATE": true,
	}
)

// Classify derives the category for the given statement text.
// Never fails: malformed or empty input classifies as UNKNOWN.
func Classify(text string) Statement {
	stmt := Statement{Raw: text}

	words := lexWords(text)
	if len(words) == 0 {
		return stmt
	}

	first := words[0].upper
	switch {
	case writeKeywords[first]:
		stmt.Category = CategoryWrite
	case ddlKeywords[first]:
		stmt.Category = CategoryDDL
	case dclKeywords[first]:
		stmt.Category = CategoryDCL
	case first == "WITH" || readKeywords[first]:
		stmt.Category = CategoryRead
	default:
		return stmt // UNKNOWN
	}

	// A read-shaped statement that embeds a mutating keyword escalates to
	// WRITE: in a nested clause (CTE body, subquery), or as the outer verb
	// after a CTE list (WITH x AS (...) INSERT ...).
	if stmt.Category == CategoryRead {
		sawFrom := false
		for _, w := range words[1:] {
			if embeddedWriteKeywords[w.upper] {
				stmt.Category = CategoryWrite
				stmt.ContainsHiddenWrite = true
				break
			}
			// SELECT ... INTO target creates the target table; INTO
			// after FROM is just clause text.
			if w.upper == "INTO" && !sawFrom {
				stmt.Category = CategoryWrite
				stmt.ContainsHiddenWrite = true
				break
			}
			if w.depth == 0 && w.upper == "FROM" {
				sawFrom = true
			}
		}
	}

	return stmt
}

// word is a bare SQL word with the paren nesting depth it was seen at.
type word struct {
	upper string
	depth int
}

// lexWords extracts bare words from statement text, skipping string
// literals, quoted identifiers, and comments, tracking paren depth.
func lexWords(text string) []word {
	var words []word
	depth := 0
	i := 0
	n := len(text)

	for i < n {
		c := text[i]
		switch {
		case c == '\'': // string literal, '' escapes a quote
			i++
			for i < n {
				if text[i] == '\'' {
					if i+1 < n && text[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
		case c == '"': // quoted identifier
			i++
			for i < n && text[i] != '"' {
				i++
			}
			if i < n {
				i++
			}
		case c == '-' && i+1 < n && text[i+1] == '-': // line comment
			for i < n && text[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && text[i+1] == '*': // block comment
			i += 2
			for i+1 < n && !(text[i] == '*' && text[i+1] == '/') {
				i++
			}
			if i+1 < n {
				i += 2
			} else {
				i = n
			}
		case c == '(':
			depth++
			i++
		case c == ')':
			if depth > 0 {
				depth--
			}
			i++
		case isWordByte(c):
			start := i
			for i < n && isWordByte(text[i]) {
				i++
			}
			words = append(words, word{
				upper: strings.ToUpper(text[start:i]),
				depth: depth,
			})
		default:
			i++
		}
	}

	return words
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
