package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validDefinition() *Definition {
	return &Definition{
		ID:        uuid.New(),
		APIName:   "greet",
		Method:    "GET",
		Timestamp: time.Now(),
		Variants: []Variant{
			{ResponseTemplate: `{"msg":"Hello {{name}}"}`, Weight: 1, StatusCode: 200},
		},
	}
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Definition)
		wantErr bool
	}{
		{"valid", func(d *Definition) {}, false},
		{"missing id", func(d *Definition) { d.ID = uuid.Nil }, true},
		{"empty name", func(d *Definition) { d.APIName = "" }, true},
		{"leading slash", func(d *Definition) { d.APIName = "/greet" }, true},
		{"unsupported method", func(d *Definition) { d.Method = "TRACE" }, true},
		{"lowercase method", func(d *Definition) { d.Method = "get" }, true},
		{"no variants", func(d *Definition) { d.Variants = nil }, true},
		{"status too low", func(d *Definition) { d.Variants[0].StatusCode = 99 }, true},
		{"status too high", func(d *Definition) { d.Variants[0].StatusCode = 600 }, true},
		{"negative weight", func(d *Definition) { d.Variants[0].Weight = -1 }, true},
		{"zero weight", func(d *Definition) { d.Variants[0].Weight = 0 }, false},
		{"max weight", func(d *Definition) { d.Variants[0].Weight = MaxWeight }, false},
		{"weight above max", func(d *Definition) { d.Variants[0].Weight = MaxWeight + 1 }, true},
		{"negative delay", func(d *Definition) { d.Variants[0].Delay = -5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(d)
			err := d.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("Expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestDefinition_CloneIsDeep(t *testing.T) {
	d := validDefinition()
	d.Variants[0].ResponseHeaders = map[string]string{"X-Trace": "1"}

	c := d.Clone()
	c.Variants[0].ResponseHeaders["X-Trace"] = "2"
	c.Variants[0].Weight = 9
	c.APIName = "other"

	if d.Variants[0].ResponseHeaders["X-Trace"] != "1" {
		t.Error("Clone shares header map with original")
	}
	if d.Variants[0].Weight != 1 {
		t.Error("Clone shares variant slice with original")
	}
	if d.APIName != "greet" {
		t.Error("Clone modified original name")
	}
}

func TestDefinition_OwnsNameOver(t *testing.T) {
	now := time.Now()
	a := &Definition{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Timestamp: now}
	b := &Definition{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Timestamp: now}

	if a.OwnsNameOver(b) {
		t.Error("Expected larger id to win a timestamp tie")
	}
	if !b.OwnsNameOver(a) {
		t.Error("Expected larger id to win a timestamp tie")
	}

	a.Timestamp = now.Add(time.Millisecond)
	if !a.OwnsNameOver(b) {
		t.Error("Expected newer definition to win regardless of id")
	}
}

func TestDefinition_TemplateNamesAreVersioned(t *testing.T) {
	d := validDefinition()
	d.Variants = append(d.Variants, Variant{
		ResponseTemplate: "{}",
		StatusCode:       500,
		ResponseHeaders:  map[string]string{"x-request-id": "{{id}}"},
	})

	names := d.TemplateNames()
	if len(names) != 3 {
		t.Fatalf("Expected 3 template names, got %d: %v", len(names), names)
	}

	next := d.Clone()
	next.Timestamp = d.Timestamp.Add(time.Nanosecond)
	if next.BodyTemplateName(0) == d.BodyTemplateName(0) {
		t.Error("Expected template names to change with the timestamp")
	}
	if !strings.HasSuffix(d.HeaderTemplateName(1, "x-request-id"), "/1/header/X-Request-Id") {
		t.Errorf("Unexpected header template name %q", d.HeaderTemplateName(1, "x-request-id"))
	}
}

func TestDefinitionInput_LegacyForm(t *testing.T) {
	body := `{"api_name":" hello ","method":"post","response":"{\"ok\":true}","status":201,"delay":50}`

	var in DefinitionInput
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	def := in.ToDefinition(uuid.New(), time.Now())
	if err := def.Validate(); err != nil {
		t.Fatalf("Expected valid definition, got %v", err)
	}
	if def.Method != "POST" {
		t.Errorf("Expected method POST, got %q", def.Method)
	}
	if def.APIName != "hello" {
		t.Errorf("Expected trimmed name 'hello', got %q", def.APIName)
	}
	if len(def.Variants) != 1 {
		t.Fatalf("Expected 1 variant, got %d", len(def.Variants))
	}
	v := def.Variants[0]
	if v.StatusCode != 201 || v.Weight != 1 || v.Delay != 50 {
		t.Errorf("Unexpected variant %+v", v)
	}
}

func TestDefinitionInput_VariantDefaults(t *testing.T) {
	body := `{"api_name":"x","method":"GET","variants":[{"response_template":"a"},{"response_template":"b","weight":0,"status_code":503}]}`

	var in DefinitionInput
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	def := in.ToDefinition(uuid.New(), time.Now())
	if def.Variants[0].Weight != 1 || def.Variants[0].StatusCode != 200 {
		t.Errorf("Expected defaults weight=1 status=200, got %+v", def.Variants[0])
	}
	if def.Variants[1].Weight != 0 || def.Variants[1].StatusCode != 503 {
		t.Errorf("Expected explicit weight=0 status=503, got %+v", def.Variants[1])
	}
}
