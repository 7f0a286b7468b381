package condition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/prasenjit/omock/internal/template"
)

// Evaluator kinds accepted by New
const (
	KindSubstitution = "substitution"
	KindEnv          = "env"
)

// Evaluator decides whether a variant condition holds for a request context
type Evaluator interface {
	Evaluate(condition string, ctx map[string]any) (bool, error)
}

// New returns the evaluator registered under kind
func New(kind string) (Evaluator, error) {
	switch kind {
	case "", KindSubstitution:
		return NewSubstitutionEvaluator(), nil
	case KindEnv:
		return NewEnvEvaluator(), nil
	default:
		return nil, fmt.Errorf("unknown condition evaluator %q", kind)
	}
}

// placeholderPattern matches {{field}} references inside a condition
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

var numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// SubstitutionEvaluator writes each referenced context value into the
// expression text and evaluates the result. Numbers and booleans are inserted
// raw, everything else as a quoted string literal.
type SubstitutionEvaluator struct{}

// NewSubstitutionEvaluator creates a substitution evaluator
func NewSubstitutionEvaluator() *SubstitutionEvaluator {
	return &SubstitutionEvaluator{}
}

// Evaluate implements Evaluator
func (e *SubstitutionEvaluator) Evaluate(condition string, ctx map[string]any) (bool, error) {
	var missing []string
	code := placeholderPattern.ReplaceAllStringFunc(condition, func(match string) string {
		field := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := template.Lookup(ctx, field)
		if !ok {
			missing = append(missing, field)
			return match
		}
		return literal(v)
	})
	if len(missing) > 0 {
		return false, fmt.Errorf("condition references absent fields %v", missing)
	}

	out, err := expr.Eval(code, nil)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", code, err)
	}
	return truthy(out)
}

// EnvEvaluator binds the context as the expression variable ctx and rewrites
// each {{field}} into an index on it. Compiled programs are cached per condition.
type EnvEvaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewEnvEvaluator creates a parameterized evaluator
func NewEnvEvaluator() *EnvEvaluator {
	return &EnvEvaluator{programs: make(map[string]*vm.Program)}
}

// Evaluate implements Evaluator
func (e *EnvEvaluator) Evaluate(condition string, ctx map[string]any) (bool, error) {
	var missing []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(condition, -1) {
		if _, ok := template.Lookup(ctx, m[1]); !ok {
			missing = append(missing, m[1])
		}
	}
	if len(missing) > 0 {
		return false, fmt.Errorf("condition references absent fields %v", missing)
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, err
	}

	env := map[string]any{"ctx": ctx}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", condition, err)
	}
	return truthy(out)
}

func (e *EnvEvaluator) compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	code := placeholderPattern.ReplaceAllStringFunc(condition, func(match string) string {
		return accessor(placeholderPattern.FindStringSubmatch(match)[1])
	})

	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", condition, err)
	}

	e.mu.Lock()
	e.programs[condition] = program
	e.mu.Unlock()
	return program, nil
}

// accessor turns a dotted field into an index expression on the ctx variable.
// A key present verbatim wins over the nested walk.
func accessor(field string) string {
	flat := "ctx[" + strconv.Quote(field) + "]"
	if !strings.Contains(field, ".") {
		return flat
	}

	var nested strings.Builder
	nested.WriteString("ctx")
	for _, part := range strings.Split(field, ".") {
		nested.WriteString("[" + strconv.Quote(part) + "]")
	}
	return "(" + flat + " ?? " + nested.String() + ")"
}

// literal renders a context value as expression source
func literal(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case string:
		if numericPattern.MatchString(val) {
			return val
		}
		return strconv.Quote(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return strconv.Quote(fmt.Sprint(val))
		}
		return strconv.Quote(string(raw))
	}
}

// truthy maps an expression result to a boolean; non-zero numbers are true
func truthy(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int:
		return val != 0, nil
	case int64:
		return val != 0, nil
	case float64:
		return val != 0, nil
	default:
		return false, fmt.Errorf("condition result %v (%T) is neither boolean nor numeric", v, v)
	}
}
