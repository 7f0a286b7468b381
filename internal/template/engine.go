package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSyntax is returned by Compile for malformed placeholder syntax
	ErrSyntax = errors.New("template syntax error")
	// ErrRender is returned by Render when a placeholder cannot be resolved
	ErrRender = errors.New("template render error")
	// ErrNotFound is returned by Render when no template is registered under the name
	ErrNotFound = errors.New("template not found")
)

// Renderer is the contract the dispatcher and mock service depend on
type Renderer interface {
	Compile(name, src string) error
	Render(name string, ctx map[string]any) (string, error)
	Unregister(names ...string)
	ClearAll()
}

// Engine stores compiled templates by name and renders them
type Engine struct {
	mu        sync.RWMutex
	templates map[string]*Template

	counter *Counter
	now     func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand // nil means the global source
}

// Option configures an Engine
type Option func(*Engine)

// WithCounter replaces the process-wide ordered_number counter
func WithCounter(c *Counter) Option {
	return func(e *Engine) { e.counter = c }
}

// WithRand makes random helpers draw from r
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// WithClock overrides the time source of current_datetime
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new template engine
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		templates: make(map[string]*Template),
		counter:   DefaultCounter,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compile parses src and registers it under name, replacing any previous template
func (e *Engine) Compile(name, src string) error {
	t, err := Parse(src)
	if err != nil {
		return err
	}
	e.Register(name, t)
	return nil
}

// Register installs an already parsed template
func (e *Engine) Register(name string, t *Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[name] = t
}

// Unregister removes templates; unknown names are ignored
func (e *Engine) Unregister(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range names {
		delete(e.templates, name)
	}
}

// ClearAll removes every template
func (e *Engine) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates = make(map[string]*Template)
}

// Has reports whether name is registered
func (e *Engine) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[name]
	return ok
}

// Len returns the number of registered templates
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.templates)
}

// Template returns the compiled template registered under name. The result
// stays usable after the name is unregistered.
func (e *Engine) Template(name string) (*Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[name]
	return t, ok
}

// Render executes the named template against ctx
func (e *Engine) Render(name string, ctx map[string]any) (string, error) {
	t, ok := e.Template(name)
	if !ok {
		return "", fmt.Errorf("%w: %w: %s", ErrRender, ErrNotFound, name)
	}
	return e.Execute(t, ctx)
}

// Execute renders a parsed template without registering it
func (e *Engine) Execute(t *Template, ctx map[string]any) (string, error) {
	var b strings.Builder
	b.Grow(len(t.source))

	for _, seg := range t.segments {
		if seg.expr == nil {
			b.WriteString(seg.literal)
			continue
		}

		out, err := e.evaluate(seg.expr, ctx)
		if err != nil {
			return "", fmt.Errorf("%w: {{%s}}: %v", ErrRender, seg.expr.raw, err)
		}
		b.WriteString(out)
	}
	return b.String(), nil
}

func (e *Engine) evaluate(expr *expression, ctx map[string]any) (string, error) {
	if expr.helper != "" {
		args := make([]any, 0, len(expr.args))
		for _, a := range expr.args {
			v, err := resolveArgument(a, ctx)
			if err != nil {
				return "", err
			}
			args = append(args, v)
		}
		return helpers[expr.helper](e, args)
	}

	v, ok := lookup(ctx, expr.path)
	if !ok {
		return "", fmt.Errorf("no value for %q", strings.Join(expr.path, "."))
	}
	return stringify(v)
}

func resolveArgument(a argument, ctx map[string]any) (any, error) {
	switch {
	case a.str != nil:
		return *a.str, nil
	case a.num != nil:
		return *a.num, nil
	}
	v, ok := lookup(ctx, a.path)
	if !ok {
		return nil, fmt.Errorf("no value for argument %q", a.rawArg)
	}
	return v, nil
}

// lookup resolves a dotted path. A context key containing dots is matched
// verbatim before the path is walked through nested objects.
func lookup(ctx map[string]any, path []string) (any, bool) {
	if v, ok := ctx[strings.Join(path, ".")]; ok {
		return v, true
	}

	var cur any = ctx
	for _, key := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// stringify writes a context value the way it should appear in output
func stringify(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case json.Number:
		return val.String(), nil
	case fmt.Stringer:
		return val.String(), nil
	default:
		out, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

func (e *Engine) intN(n int64) int64 {
	if e.rng == nil {
		return rand.Int64N(n)
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Int64N(n)
}

// uint64N draws from [0, n); n == 0 draws from the full uint64 range
func (e *Engine) uint64N(n uint64) uint64 {
	if e.rng == nil {
		if n == 0 {
			return rand.Uint64()
		}
		return rand.Uint64N(n)
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	if n == 0 {
		return e.rng.Uint64()
	}
	return e.rng.Uint64N(n)
}

// Lookup resolves a dotted field reference against ctx the way placeholders do
func Lookup(ctx map[string]any, field string) (any, bool) {
	path, err := parsePath(strings.TrimSpace(field))
	if err != nil {
		return nil, false
	}
	return lookup(ctx, path)
}
