package platform

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/marcoracer/Icebreaker/internal/registry"
)

// ErrBadWarehouseName rejects warehouse objects that are not plain
// identifiers, which keeps the rendered ALTER statement uninjectable.
var ErrBadWarehouseName = errors.New("warehouse name is not a valid identifier")

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// RunQuery executes read statements through the platform connection.
type RunQuery struct {
	exec    Executor
	maxRows int
}

// NewRunQuery creates the run_query capability. maxRows is the hard scan
// ceiling applied after any LIMIT the bounder injected.
func NewRunQuery(exec Executor, maxRows int) *RunQuery {
	return &RunQuery{exec: exec, maxRows: maxRows}
}

func (c *RunQuery) Name() string                  { return "run_query" }
func (c *RunQuery) Category() registry.SideEffect { return registry.ReadOnly }

func (c *RunQuery) Invoke(ctx context.Context, p registry.Payload) (any, error) {
	return c.exec.Query(ctx, p.Statement, c.maxRows)
}

// ExecuteStatement executes mutating statements.
type ExecuteStatement struct {
	exec Executor
}

// NewExecuteStatement creates the execute_statement capability.
func NewExecuteStatement(exec Executor) *ExecuteStatement {
	return &ExecuteStatement{exec: exec}
}

func (c *ExecuteStatement) Name() string                  { return "execute_statement" }
func (c *ExecuteStatement) Category() registry.SideEffect { return registry.Mutating }

func (c *ExecuteStatement) Invoke(ctx context.Context, p registry.Payload) (any, error) {
	return c.exec.Exec(ctx, p.Statement)
}

// WarehouseOp renders and executes ALTER WAREHOUSE administration.
type WarehouseOp struct {
	exec Executor
	name string
	verb string // SUSPEND or RESUME
}

// NewSuspendWarehouse creates the suspend_warehouse capability.
func NewSuspendWarehouse(exec Executor) *WarehouseOp {
	return &WarehouseOp{exec: exec, name: "suspend_warehouse", verb: "SUSPEND"}
}

// NewResumeWarehouse creates the resume_warehouse capability.
func NewResumeWarehouse(exec Executor) *WarehouseOp {
	return &WarehouseOp{exec: exec, name: "resume_warehouse", verb: "RESUME"}
}

func (c *WarehouseOp) Name() string                  { return c.name }
func (c *WarehouseOp) Category() registry.SideEffect { return registry.Administrative }

func (c *WarehouseOp) Invoke(ctx context.Context, p registry.Payload) (any, error) {
	wh := WarehouseName(p.Object)
	if !identifierRe.MatchString(wh) {
		return nil, fmt.Errorf("%s %q: %w", c.name, p.Object, ErrBadWarehouseName)
	}
	stmt := fmt.Sprintf("ALTER WAREHOUSE %s %s", wh, c.verb)
	return c.exec.Exec(ctx, stmt)
}

// WarehouseName extracts the identifier from a "warehouse:NAME" object
// reference. A bare name passes through unchanged.
func WarehouseName(object string) string {
	return strings.TrimPrefix(object, "warehouse:")
}
