package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidDefinition is returned when a mock definition fails validation
var ErrInvalidDefinition = errors.New("invalid mock definition")

// ReservedNameKey is the render-context key holding the requested mock name
const ReservedNameKey = "api_name"

// MaxWeight bounds a single variant weight so that summed weights stay in int range
const MaxWeight = 1_000_000

// SupportedMethods lists the HTTP verbs a mock may be registered for
var SupportedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// Variant is one candidate response of a mock definition
type Variant struct {
	ResponseTemplate string            `json:"response_template"`
	Weight           int               `json:"weight"`
	StatusCode       int               `json:"status_code"`
	ResponseHeaders  map[string]string `json:"response_headers,omitempty"`
	Condition        string            `json:"condition,omitempty"`
	Delay            int64             `json:"delay,omitempty"` // milliseconds
}

// DelayDuration returns the configured delay as a time.Duration
func (v Variant) DelayDuration() time.Duration {
	if v.Delay <= 0 {
		return 0
	}
	return time.Duration(v.Delay) * time.Millisecond
}

// Definition is a named, versioned HTTP stub
type Definition struct {
	ID        uuid.UUID `json:"id"`
	APIName   string    `json:"api_name"`
	Method    string    `json:"method"`
	Timestamp time.Time `json:"timestamp"`
	Variants  []Variant `json:"variants"`
}

// Clone returns a deep copy that shares no mutable state with d
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	c := *d
	c.Variants = make([]Variant, len(d.Variants))
	for i, v := range d.Variants {
		if v.ResponseHeaders != nil {
			headers := make(map[string]string, len(v.ResponseHeaders))
			for k, val := range v.ResponseHeaders {
				headers[k] = val
			}
			v.ResponseHeaders = headers
		}
		c.Variants[i] = v
	}
	return &c
}

// NewerThan reports whether d should replace other under last-write-wins
func (d *Definition) NewerThan(other *Definition) bool {
	return d.Timestamp.After(other.Timestamp)
}

// OwnsNameOver reports whether d wins the name index over other when both
// carry the same api_name. The newest definition wins; ties go to the larger id.
func (d *Definition) OwnsNameOver(other *Definition) bool {
	if !d.Timestamp.Equal(other.Timestamp) {
		return d.Timestamp.After(other.Timestamp)
	}
	return d.ID.String() > other.ID.String()
}

// Validate checks the structural invariants of a definition
func (d *Definition) Validate() error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	}
	if err := validateName(d.APIName); err != nil {
		return err
	}
	if !isSupportedMethod(d.Method) {
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidDefinition, d.Method)
	}
	if len(d.Variants) == 0 {
		return fmt.Errorf("%w: at least one variant is required", ErrInvalidDefinition)
	}
	for i, v := range d.Variants {
		if v.StatusCode < 100 || v.StatusCode > 599 {
			return fmt.Errorf("%w: variant %d: status code %d out of range", ErrInvalidDefinition, i, v.StatusCode)
		}
		if v.Weight < 0 {
			return fmt.Errorf("%w: variant %d: negative weight", ErrInvalidDefinition, i)
		}
		if v.Weight > MaxWeight {
			return fmt.Errorf("%w: variant %d: weight %d exceeds %d", ErrInvalidDefinition, i, v.Weight, MaxWeight)
		}
		if v.Delay < 0 {
			return fmt.Errorf("%w: variant %d: negative delay", ErrInvalidDefinition, i)
		}
	}
	return nil
}

// Normalize upper-cases the method and trims the name in place
func (d *Definition) Normalize() {
	d.Method = strings.ToUpper(strings.TrimSpace(d.Method))
	d.APIName = strings.TrimSpace(d.APIName)
}

// templatePrefix scopes compiled template names to one version of one definition
func (d *Definition) templatePrefix() string {
	return fmt.Sprintf("%s@%d", d.ID, d.Timestamp.UnixNano())
}

// BodyTemplateName is the compiled-template name of variant i's body
func (d *Definition) BodyTemplateName(i int) string {
	return fmt.Sprintf("%s/%d/body", d.templatePrefix(), i)
}

// HeaderTemplateName is the compiled-template name of variant i's header
func (d *Definition) HeaderTemplateName(i int, header string) string {
	return fmt.Sprintf("%s/%d/header/%s", d.templatePrefix(), i, http.CanonicalHeaderKey(header))
}

// TemplateNames lists every compiled-template name this definition owns
func (d *Definition) TemplateNames() []string {
	names := make([]string, 0, len(d.Variants))
	for i, v := range d.Variants {
		names = append(names, d.BodyTemplateName(i))
		for h := range v.ResponseHeaders {
			names = append(names, d.HeaderTemplateName(i, h))
		}
	}
	return names
}

// DefinitionInput is the client-facing body for creating or updating a mock.
// The flat Response/Status/Delay fields accept the single-response form.
type DefinitionInput struct {
	APIName  string         `json:"api_name"`
	Method   string         `json:"method"`
	Variants []VariantInput `json:"variants"`

	Response *string `json:"response,omitempty"`
	Status   *int    `json:"status,omitempty"`
	Delay    *int64  `json:"delay,omitempty"`
}

// VariantInput is the client-facing form of a variant; omitted weight means 1
type VariantInput struct {
	ResponseTemplate string            `json:"response_template"`
	Weight           *int              `json:"weight,omitempty"`
	StatusCode       int               `json:"status_code"`
	ResponseHeaders  map[string]string `json:"response_headers,omitempty"`
	Condition        string            `json:"condition,omitempty"`
	Delay            int64             `json:"delay,omitempty"`
}

// ToDefinition builds an unvalidated definition carrying the given id and timestamp
func (in *DefinitionInput) ToDefinition(id uuid.UUID, ts time.Time) *Definition {
	def := &Definition{
		ID:        id,
		APIName:   in.APIName,
		Method:    in.Method,
		Timestamp: ts,
	}

	if len(in.Variants) == 0 && in.Response != nil {
		v := Variant{
			ResponseTemplate: *in.Response,
			Weight:           1,
			StatusCode:       http.StatusOK,
		}
		if in.Status != nil {
			v.StatusCode = *in.Status
		}
		if in.Delay != nil {
			v.Delay = *in.Delay
		}
		def.Variants = []Variant{v}
	}

	for _, vi := range in.Variants {
		v := Variant{
			ResponseTemplate: vi.ResponseTemplate,
			Weight:           1,
			StatusCode:       vi.StatusCode,
			ResponseHeaders:  vi.ResponseHeaders,
			Condition:        vi.Condition,
			Delay:            vi.Delay,
		}
		if vi.Weight != nil {
			v.Weight = *vi.Weight
		}
		if v.StatusCode == 0 {
			v.StatusCode = http.StatusOK
		}
		def.Variants = append(def.Variants, v)
	}

	def.Normalize()
	return def
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: api_name is required", ErrInvalidDefinition)
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: api_name must not start with '/'", ErrInvalidDefinition)
	}
	return nil
}

func isSupportedMethod(method string) bool {
	for _, m := range SupportedMethods {
		if m == method {
			return true
		}
	}
	return false
}
