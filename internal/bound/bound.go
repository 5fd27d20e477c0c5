// Package bound rewrites permitted read statements so they respect
// deterministic result and time ceilings before execution.
package bound

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/marcoracer/Icebreaker/internal/classify"
)

// Params are the bound parameters attached to a BOUND decision.
// Zero values mean "no ceiling configured".
type Params struct {
	RowLimit int
	Timeout  time.Duration
}

// Trailing LIMIT clause, optionally followed by OFFSET and a semicolon.
var trailingLimitRe = regexp.MustCompile(`(?i)\blimit\s+(\d+)(\s+offset\s+\d+)?\s*(;?)\s*$`)

// Apply returns the statement rewritten to respect p.RowLimit, plus the
// effective limit. Only SELECT/WITH shaped reads are rewritten; everything
// else passes through untouched.
//
// An existing explicit LIMIT stricter than the ceiling is preserved; a looser
// one is clamped. Apply is idempotent: bounding an already-bounded statement
// with the same ceiling changes nothing.
func Apply(stmt classify.Statement, p Params) (string, int) {
	if p.RowLimit <= 0 || stmt.Category != classify.CategoryRead {
		return stmt.Raw, 0
	}

	trimmed := strings.TrimSpace(stmt.Raw)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return stmt.Raw, 0
	}

	if m := trailingLimitRe.FindStringSubmatch(trimmed); m != nil {
		existing, err := strconv.Atoi(m[1])
		if err == nil && existing <= p.RowLimit {
			// Statement already carries a bound at least as strict.
			return stmt.Raw, existing
		}
		clamped := trailingLimitRe.ReplaceAllString(trimmed,
			fmt.Sprintf("LIMIT %d$2$3", p.RowLimit))
		return clamped, p.RowLimit
	}

	if strings.HasSuffix(trimmed, ";") {
		body := strings.TrimSuffix(trimmed, ";")
		return fmt.Sprintf("%s LIMIT %d;", strings.TrimRight(body, " \t\n"), p.RowLimit), p.RowLimit
	}
	return fmt.Sprintf("%s LIMIT %d", trimmed, p.RowLimit), p.RowLimit
}

// ClampTimeout resolves the statement timeout: the requested value, bounded
// above by the configured ceiling. A zero request means "use the ceiling".
func ClampTimeout(requested, ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return requested
	}
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}
