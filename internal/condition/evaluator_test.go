package condition

import (
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{"", false},
		{KindSubstitution, false},
		{KindEnv, false},
		{"lua", true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			e, err := New(tt.kind)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.kind, err, tt.wantErr)
			}
			if !tt.wantErr && e == nil {
				t.Fatal("expected evaluator")
			}
		})
	}
}

func TestSubstitutionEvaluator(t *testing.T) {
	e := NewSubstitutionEvaluator()

	tests := []struct {
		name      string
		condition string
		ctx       map[string]any
		expected  bool
		wantErr   bool
	}{
		{
			name:      "numeric string compared as number",
			condition: "{{age}} > 18",
			ctx:       map[string]any{"age": "21"},
			expected:  true,
		},
		{
			name:      "json number",
			condition: "{{age}} <= 18",
			ctx:       map[string]any{"age": float64(21)},
			expected:  false,
		},
		{
			name:      "string equality",
			condition: `{{user}} == "alice"`,
			ctx:       map[string]any{"user": "alice"},
			expected:  true,
		},
		{
			name:      "boolean value",
			condition: "{{flag}}",
			ctx:       map[string]any{"flag": true},
			expected:  true,
		},
		{
			name:      "non-zero arithmetic is true",
			condition: "{{a}} + {{b}}",
			ctx:       map[string]any{"a": "2", "b": float64(3)},
			expected:  true,
		},
		{
			name:      "zero arithmetic is false",
			condition: "{{a}} - 2",
			ctx:       map[string]any{"a": "2"},
			expected:  false,
		},
		{
			name:      "nested field",
			condition: "{{user.age}} >= 30 && {{user.name}} startsWith \"A\"",
			ctx:       map[string]any{"user": map[string]any{"age": float64(30), "name": "Ada"}},
			expected:  true,
		},
		{
			name:      "membership",
			condition: `{{method}} in ["GET", "POST"]`,
			ctx:       map[string]any{"method": "POST"},
			expected:  true,
		},
		{
			name:      "value with expression syntax stays a literal",
			condition: `{{q}} == "x"`,
			ctx:       map[string]any{"q": `1 || true`},
			expected:  false,
		},
		{
			name:      "absent field",
			condition: "{{missing}} == 1",
			ctx:       map[string]any{"other": "1"},
			wantErr:   true,
		},
		{
			name:      "malformed expression",
			condition: "{{a}} ==",
			ctx:       map[string]any{"a": "1"},
			wantErr:   true,
		},
		{
			name:      "non boolean result",
			condition: `{{a}}`,
			ctx:       map[string]any{"a": "text"},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Evaluate(tt.condition, tt.ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestEnvEvaluator(t *testing.T) {
	e := NewEnvEvaluator()

	tests := []struct {
		name      string
		condition string
		ctx       map[string]any
		expected  bool
		wantErr   bool
	}{
		{
			name:      "number comparison",
			condition: "{{age}} > 18",
			ctx:       map[string]any{"age": float64(21)},
			expected:  true,
		},
		{
			name:      "string converted explicitly",
			condition: "int({{age}}) > 18",
			ctx:       map[string]any{"age": "12"},
			expected:  false,
		},
		{
			name:      "string equality",
			condition: `{{name}} == "bob"`,
			ctx:       map[string]any{"name": "bob"},
			expected:  true,
		},
		{
			name:      "nested field",
			condition: "{{user.age}} > 1",
			ctx:       map[string]any{"user": map[string]any{"age": float64(2)}},
			expected:  true,
		},
		{
			name:      "value with expression syntax stays data",
			condition: `{{q}} == "x"`,
			ctx:       map[string]any{"q": `"x" || true`},
			expected:  false,
		},
		{
			name:      "absent field",
			condition: "{{missing}} > 1",
			ctx:       map[string]any{},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Evaluate(tt.condition, tt.ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestEnvEvaluator_CachesPrograms(t *testing.T) {
	e := NewEnvEvaluator()

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate("{{n}} > 0", map[string]any{"n": float64(i)}); err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
	}

	if len(e.programs) != 1 {
		t.Errorf("expected 1 cached program, got %d", len(e.programs))
	}
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "nil"},
		{true, "true"},
		{float64(1.5), "1.5"},
		{"42", "42"},
		{"-3.25", "-3.25"},
		{"NaN", `"NaN"`},
		{"a\"b", `"a\"b"`},
		{map[string]any{"k": "v"}, `"{\"k\":\"v\"}"`},
	}
	for _, tt := range tests {
		if got := literal(tt.in); got != tt.want {
			t.Errorf("literal(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
