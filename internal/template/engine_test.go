package template

import (
	"errors"
	"math/rand/v2"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestNewEngine(t *testing.T) {
	e := NewEngine()
	if e == nil {
		t.Fatal("NewEngine returned nil")
	}
	if e.counter != DefaultCounter {
		t.Fatal("Engine should share the process-wide counter by default")
	}
}

func TestCompileAndRender(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name     string
		template string
		ctx      map[string]any
		expected string
	}{
		{
			name:     "single field",
			template: "Hello {{name}}",
			ctx:      map[string]any{"name": "World"},
			expected: "Hello World",
		},
		{
			name:     "spaces inside braces",
			template: "Hello {{ name }}!",
			ctx:      map[string]any{"name": "Ada"},
			expected: "Hello Ada!",
		},
		{
			name:     "no placeholders",
			template: `{"status":"ok"}`,
			ctx:      nil,
			expected: `{"status":"ok"}`,
		},
		{
			name:     "json number",
			template: `{"count":{{count}}}`,
			ctx:      map[string]any{"count": float64(42)},
			expected: `{"count":42}`,
		},
		{
			name:     "nested field",
			template: "{{user.name}} lives in {{user.address.city}}",
			ctx: map[string]any{"user": map[string]any{
				"name":    "Ada",
				"address": map[string]any{"city": "London"},
			}},
			expected: "Ada lives in London",
		},
		{
			name:     "array index",
			template: "{{items.1}}",
			ctx:      map[string]any{"items": []any{"a", "b"}},
			expected: "b",
		},
		{
			name:     "object rendered as json",
			template: "{{user}}",
			ctx:      map[string]any{"user": map[string]any{"id": float64(7)}},
			expected: `{"id":7}`,
		},
		{
			name:     "dotted key matched verbatim",
			template: "{{x.request.id}}",
			ctx:      map[string]any{"x.request.id": "abc"},
			expected: "abc",
		},
		{
			name:     "header style key",
			template: "{{content-type}}",
			ctx:      map[string]any{"content-type": "application/json"},
			expected: "application/json",
		},
		{
			name:     "null renders empty",
			template: "[{{v}}]",
			ctx:      map[string]any{"v": nil},
			expected: "[]",
		},
		{
			name:     "bool",
			template: "{{flag}}",
			ctx:      map[string]any{"flag": true},
			expected: "true",
		},
		{
			name:     "single closing braces are literal",
			template: "a } b }}",
			ctx:      nil,
			expected: "a } b }}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.Compile(tt.name, tt.template); err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			result, err := e.Render(tt.name, tt.ctx)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestCompile_SyntaxErrors(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name     string
		template string
	}{
		{"unclosed", "Hello {{name"},
		{"empty placeholder", "Hello {{ }}"},
		{"nested open", "{{a {{b}}"},
		{"unterminated string", `{{current_datetime "%Y}}`},
		{"unknown helper with args", "{{shout name}}"},
		{"leading number", "{{42}}"},
		{"malformed path", "{{user..name}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Compile(tt.name, tt.template)
			if !errors.Is(err, ErrSyntax) {
				t.Fatalf("expected ErrSyntax, got %v", err)
			}
			if e.Has(tt.name) {
				t.Error("failed compile must not register a template")
			}
		})
	}
}

func TestRender_Errors(t *testing.T) {
	e := NewEngine()

	t.Run("missing template", func(t *testing.T) {
		_, err := e.Render("nope", nil)
		if !errors.Is(err, ErrRender) || !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrRender wrapping ErrNotFound, got %v", err)
		}
	})

	t.Run("missing field", func(t *testing.T) {
		_ = e.Compile("greet", "Hello {{name}}")
		_, err := e.Render("greet", map[string]any{"other": "x"})
		if !errors.Is(err, ErrRender) {
			t.Errorf("expected ErrRender, got %v", err)
		}
	})

	t.Run("missing nested field", func(t *testing.T) {
		_ = e.Compile("nested", "{{user.email}}")
		_, err := e.Render("nested", map[string]any{"user": map[string]any{"name": "a"}})
		if !errors.Is(err, ErrRender) {
			t.Errorf("expected ErrRender, got %v", err)
		}
	})

	t.Run("bad helper range", func(t *testing.T) {
		_ = e.Compile("range", "{{random_number 10 1}}")
		_, err := e.Render("range", nil)
		if !errors.Is(err, ErrRender) {
			t.Errorf("expected ErrRender, got %v", err)
		}
	})
}

func TestUnregisterAndClearAll(t *testing.T) {
	e := NewEngine()
	_ = e.Compile("a", "A")
	_ = e.Compile("b", "B")

	e.Unregister("a", "unknown")
	if e.Has("a") {
		t.Error("expected 'a' to be unregistered")
	}
	if !e.Has("b") {
		t.Error("expected 'b' to remain")
	}

	e.ClearAll()
	if e.Len() != 0 {
		t.Errorf("expected no templates, got %d", e.Len())
	}
	if _, err := e.Render("b", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after ClearAll, got %v", err)
	}
}

func TestCompile_ReplacesExisting(t *testing.T) {
	e := NewEngine()
	_ = e.Compile("t", "v1")
	_ = e.Compile("t", "v2")

	out, err := e.Render("t", nil)
	if err != nil || out != "v2" {
		t.Errorf("expected v2, got %q (%v)", out, err)
	}
}

func TestHelper_CurrentDatetime(t *testing.T) {
	fixed := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	e := NewEngine(WithClock(func() time.Time { return fixed }))

	tests := []struct {
		template string
		expected string
	}{
		{"{{current_datetime}}", "2024-03-09 14:05:07"},
		{`{{current_datetime "%Y-%m-%d"}}`, "2024-03-09"},
		{`{{current_datetime '%H:%M'}}`, "14:05"},
		{`{{current_datetime "2006/01/02"}}`, "2024/03/09"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			_ = e.Compile("dt", tt.template)
			out, err := e.Render("dt", nil)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if out != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, out)
			}
		})
	}
}

func TestHelper_RandomNumber(t *testing.T) {
	e := NewEngine(WithRand(rand.New(rand.NewPCG(1, 2))))

	t.Run("inclusive range", func(t *testing.T) {
		_ = e.Compile("rn", "{{random_number 1 3}}")
		seen := map[int]bool{}
		for i := 0; i < 200; i++ {
			out, err := e.Render("rn", nil)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			n, err := strconv.Atoi(out)
			if err != nil {
				t.Fatalf("expected integer, got %q", out)
			}
			if n < 1 || n > 3 {
				t.Fatalf("value %d out of range", n)
			}
			seen[n] = true
		}
		if len(seen) != 3 {
			t.Errorf("expected every value in range to appear, saw %v", seen)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		_ = e.Compile("rn0", "{{random_number}}")
		for i := 0; i < 50; i++ {
			out, _ := e.Render("rn0", nil)
			n, _ := strconv.Atoi(out)
			if n < 0 || n > 100 {
				t.Fatalf("value %d outside default range", n)
			}
		}
	})

	t.Run("range wider than int64", func(t *testing.T) {
		_ = e.Compile("wide", "{{random_number -5000000000000000000 5000000000000000000}}")
		for i := 0; i < 50; i++ {
			out, err := e.Render("wide", nil)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			n, err := strconv.ParseInt(out, 10, 64)
			if err != nil {
				t.Fatalf("expected integer, got %q", out)
			}
			if n < -5000000000000000000 || n > 5000000000000000000 {
				t.Fatalf("value %d out of range", n)
			}
		}
	})

	t.Run("full int64 range", func(t *testing.T) {
		_ = e.Compile("full", "{{random_number lo hi}}")
		ctx := map[string]any{"lo": "-9223372036854775808", "hi": "9223372036854775807"}
		for i := 0; i < 50; i++ {
			out, err := e.Render("full", ctx)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if _, err := strconv.ParseInt(out, 10, 64); err != nil {
				t.Fatalf("expected integer, got %q", out)
			}
		}
	})

	t.Run("literal beyond int64 is a render error", func(t *testing.T) {
		_ = e.Compile("huge", "{{random_number 0 1e30}}")
		if _, err := e.Render("huge", nil); !errors.Is(err, ErrRender) {
			t.Errorf("expected ErrRender, got %v", err)
		}
	})

	t.Run("arguments from context", func(t *testing.T) {
		_ = e.Compile("rnc", "{{random_number lo hi}}")
		out, err := e.Render("rnc", map[string]any{"lo": "5", "hi": float64(5)})
		if err != nil || out != "5" {
			t.Errorf("expected 5, got %q (%v)", out, err)
		}
	})
}

func TestHelper_OrderedNumber(t *testing.T) {
	counter := &Counter{}
	e := NewEngine(WithCounter(counter))
	_ = e.Compile("a", "{{ordered_number}}")
	_ = e.Compile("b", "n={{ordered_number}}")

	first, _ := e.Render("a", nil)
	second, _ := e.Render("b", nil)
	third, _ := e.Render("a", nil)

	if first != "1" || second != "n=2" || third != "3" {
		t.Errorf("expected 1, n=2, 3; got %s, %s, %s", first, second, third)
	}
}

func TestHelper_OrderedNumberConcurrent(t *testing.T) {
	counter := &Counter{}
	e := NewEngine(WithCounter(counter))
	_ = e.Compile("seq", "{{ordered_number}}")

	const workers, perWorker = 8, 100
	results := make(chan string, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				out, _ := e.Render("seq", nil)
				results <- out
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for r := range results {
		if seen[r] {
			t.Fatalf("duplicate counter value %s", r)
		}
		seen[r] = true
	}
	if len(seen) != workers*perWorker {
		t.Errorf("expected %d distinct values, got %d", workers*perWorker, len(seen))
	}
}

func TestHelper_RandomString(t *testing.T) {
	e := NewEngine(WithRand(rand.New(rand.NewPCG(3, 4))))

	tests := []struct {
		name    string
		tmpl    string
		pattern *regexp.Regexp
	}{
		{"default", "{{random_string}}", regexp.MustCompile(`^[a-zA-Z0-9]{10}$`)},
		{"lowercase five", `{{random_string "[a-z]{5}"}}`, regexp.MustCompile(`^[a-z]{5}$`)},
		{"digits", `{{random_string "[0-9]{8}"}}`, regexp.MustCompile(`^[0-9]{8}$`)},
		{"class without quantifier", `{{random_string "[A-F]"}}`, regexp.MustCompile(`^[A-F]{10}$`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = e.Compile(tt.name, tt.tmpl)
			out, err := e.Render(tt.name, nil)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if !tt.pattern.MatchString(out) {
				t.Errorf("%q does not match %s", out, tt.pattern)
			}
		})
	}

	t.Run("no alphanumeric match", func(t *testing.T) {
		_ = e.Compile("none", `{{random_string "[_]{3}"}}`)
		if _, err := e.Render("none", nil); !errors.Is(err, ErrRender) {
			t.Errorf("expected ErrRender, got %v", err)
		}
	})
}

func TestHasPlaceholders(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"plain", false},
		{"{{name}}", true},
		{"open {{ only", false},
		{"}} then {{", false},
		{"a {{b}} c", true},
	}
	for _, tt := range tests {
		if got := HasPlaceholders(tt.src); got != tt.want {
			t.Errorf("HasPlaceholders(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestConcurrentCompileAndRender(t *testing.T) {
	e := NewEngine()
	_ = e.Compile("shared", "Hello {{name}}")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			out, err := e.Render("shared", map[string]any{"name": "x"})
			if err != nil || out != "Hello x" {
				t.Errorf("unexpected render %q (%v)", out, err)
			}
		}()
		go func(n int) {
			defer wg.Done()
			_ = e.Compile("other-"+strconv.Itoa(n), "{{ordered_number}}")
		}(i)
	}
	wg.Wait()
}
