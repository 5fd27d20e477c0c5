package bound

import (
	"strings"
	"testing"
	"time"

	"github.com/marcoracer/Icebreaker/internal/classify"
)

func TestApply_InjectsLimit(t *testing.T) {
	stmt := classify.Classify("SELECT * FROM t")
	rewritten, effective := Apply(stmt, Params{RowLimit: 10000})
	if rewritten != "SELECT * FROM t LIMIT 10000" {
		t.Fatalf("unexpected rewrite: %q", rewritten)
	}
	if effective != 10000 {
		t.Fatalf("effective = %d, want 10000", effective)
	}
}

func TestApply_PreservesStricterExistingLimit(t *testing.T) {
	stmt := classify.Classify("SELECT * FROM t LIMIT 50")
	rewritten, effective := Apply(stmt, Params{RowLimit: 10000})
	if rewritten != "SELECT * FROM t LIMIT 50" {
		t.Fatalf("stricter existing limit must be preserved, got %q", rewritten)
	}
	if effective != 50 {
		t.Fatalf("effective = %d, want 50", effective)
	}
}

func TestApply_ClampsLooserExistingLimit(t *testing.T) {
	stmt := classify.Classify("SELECT * FROM t LIMIT 999999")
	rewritten, effective := Apply(stmt, Params{RowLimit: 10000})
	if rewritten != "SELECT * FROM t LIMIT 10000" {
		t.Fatalf("looser limit must be clamped, got %q", rewritten)
	}
	if effective != 10000 {
		t.Fatalf("effective = %d, want 10000", effective)
	}
}

func TestApply_Idempotent(t *testing.T) {
	stmt := classify.Classify("SELECT * FROM t")
	once, _ := Apply(stmt, Params{RowLimit: 500})
	twice, effective := Apply(classify.Classify(once), Params{RowLimit: 500})
	if once != twice {
		t.Fatalf("bounding is not idempotent: %q vs %q", once, twice)
	}
	if effective != 500 {
		t.Fatalf("effective = %d, want 500", effective)
	}
}

func TestApply_LimitWithOffset(t *testing.T) {
	stmt := classify.Classify("SELECT * FROM t LIMIT 999999 OFFSET 5")
	rewritten, effective := Apply(stmt, Params{RowLimit: 10000})
	if rewritten != "SELECT * FROM t LIMIT 10000 OFFSET 5" {
		t.Fatalf("offset must survive the clamp, got %q", rewritten)
	}
	if effective != 10000 {
		t.Fatalf("effective = %d, want 10000", effective)
	}

	stmt = classify.Classify("SELECT * FROM t LIMIT 10 OFFSET 5;")
	rewritten, effective = Apply(stmt, Params{RowLimit: 10000})
	if rewritten != "SELECT * FROM t LIMIT 10 OFFSET 5;" {
		t.Fatalf("stricter limit with offset must pass through, got %q", rewritten)
	}
	if effective != 10 {
		t.Fatalf("effective = %d, want 10", effective)
	}
}

func TestApply_TrailingSemicolon(t *testing.T) {
	stmt := classify.Classify("SELECT * FROM t;")
	rewritten, _ := Apply(stmt, Params{RowLimit: 100})
	if rewritten != "SELECT * FROM t LIMIT 100;" {
		t.Fatalf("unexpected rewrite: %q", rewritten)
	}
}

func TestApply_CTERead(t *testing.T) {
	stmt := classify.Classify("WITH r AS (SELECT id FROM t) SELECT * FROM r")
	rewritten, _ := Apply(stmt, Params{RowLimit: 100})
	if !strings.HasSuffix(rewritten, "LIMIT 100") {
		t.Fatalf("expected injected limit, got %q", rewritten)
	}
}

func TestApply_NonSelectPassesThrough(t *testing.T) {
	stmt := classify.Classify("SHOW WAREHOUSES")
	rewritten, effective := Apply(stmt, Params{RowLimit: 100})
	if rewritten != "SHOW WAREHOUSES" || effective != 0 {
		t.Fatalf("non-select must pass through, got %q (%d)", rewritten, effective)
	}
}

func TestApply_NoCeilingConfigured(t *testing.T) {
	stmt := classify.Classify("SELECT * FROM t")
	rewritten, effective := Apply(stmt, Params{})
	if rewritten != "SELECT * FROM t" || effective != 0 {
		t.Fatalf("no ceiling must pass through, got %q (%d)", rewritten, effective)
	}
}

func TestClampTimeout(t *testing.T) {
	tests := []struct {
		requested, ceiling, want time.Duration
	}{
		{0, 5 * time.Minute, 5 * time.Minute},
		{time.Minute, 5 * time.Minute, time.Minute},
		{time.Hour, 5 * time.Minute, 5 * time.Minute},
		{time.Hour, 0, time.Hour},
	}
	for _, tt := range tests {
		if got := ClampTimeout(tt.requested, tt.ceiling); got != tt.want {
			t.Fatalf("ClampTimeout(%v, %v) = %v, want %v", tt.requested, tt.ceiling, got, tt.want)
		}
	}
}
