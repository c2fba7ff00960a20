package broadcast

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jpalmerr/ridecast/internal/logstore"
)

const defaultFilterCacheSize = 256

// FilterError reports an expression that failed to compile.
type FilterError struct {
	Expr string
	Err  error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter %q: %v", e.Expr, e.Err)
}

func (e *FilterError) Unwrap() error {
	return e.Err
}

// Filter is a compiled subscription filter. A nil *Filter matches
// everything.
type Filter struct {
	expr string
	prog cel.Program
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter against one entry of stream. Evaluation errors
// count as no match.
func (f *Filter) Match(stream string, e logstore.Entry) bool {
	if f == nil {
		return true
	}
	var tsMs int64
	if id, err := logstore.ParseID(e.ID); err == nil {
		tsMs = int64(id.Ms)
	}
	out, _, err := f.prog.Eval(map[string]any{
		"stream": stream,
		"id":     e.ID,
		"ts_ms":  tsMs,
		"fields": e.Fields,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// FilterCache compiles filter expressions and keeps the most recently used
// programs, so reconnecting dashboards do not recompile.
type FilterCache struct {
	env   *cel.Env
	cache *lru.Cache[string, *Filter]
}

// NewFilterCache creates a cache holding up to size programs.
func NewFilterCache(size int) (*FilterCache, error) {
	if size <= 0 {
		size = defaultFilterCacheSize
	}
	env, err := cel.NewEnv(
		cel.Variable("stream", cel.StringType),
		cel.Variable("id", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating filter environment: %w", err)
	}
	cache, err := lru.New[string, *Filter](size)
	if err != nil {
		return nil, err
	}
	return &FilterCache{env: env, cache: cache}, nil
}

// Compile returns the filter for expr. An empty expression returns nil,
// which matches everything.
func (fc *FilterCache) Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	if f, ok := fc.cache.Get(expr); ok {
		return f, nil
	}

	ast, iss := fc.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, &FilterError{Expr: expr, Err: iss.Err()}
	}
	if out := ast.OutputType(); out.String() != cel.BoolType.String() {
		return nil, &FilterError{Expr: expr, Err: fmt.Errorf("expression must evaluate to bool, got %s", out)}
	}
	prog, err := fc.env.Program(ast)
	if err != nil {
		return nil, &FilterError{Expr: expr, Err: err}
	}

	f := &Filter{expr: expr, prog: prog}
	fc.cache.Add(expr, f)
	return f, nil
}

// Len returns the number of cached programs.
func (fc *FilterCache) Len() int {
	return fc.cache.Len()
}
