package parser

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/prasenjit/omock/internal/models"
)

// maxSchemaDepth bounds example generation for recursive schemas
const maxSchemaDepth = 6

// Parser turns OpenAPI 3 documents into mock definitions
type Parser struct{}

// NewParser creates a new OpenAPI parser
func NewParser() *Parser {
	return &Parser{}
}

// ImportResult holds the definitions derived from one document
type ImportResult struct {
	Title       string                    `json:"title"`
	Version     string                    `json:"version"`
	Definitions []*models.DefinitionInput `json:"definitions"`
	// Skipped lists "METHOD /path" operations with no usable response
	Skipped []string `json:"skipped,omitempty"`
}

// Parse loads and validates an OpenAPI 3 document (YAML or JSON). Every
// operation becomes one definition named prefix + path; each documented
// numeric response becomes a variant, and only the first 2xx one carries weight.
func (p *Parser) Parse(content string, prefix string) (*ImportResult, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}

	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}

	result := &ImportResult{
		Definitions: make([]*models.DefinitionInput, 0),
	}
	if doc.Info != nil {
		result.Title = doc.Info.Title
		result.Version = doc.Info.Version
	}
	if doc.Paths == nil {
		return result, nil
	}

	prefix = normalizePrefix(prefix)
	paths := doc.Paths.InMatchingOrder()
	sort.Strings(paths)

	for _, pathPattern := range paths {
		item := doc.Paths.Value(pathPattern)
		if item == nil {
			continue
		}
		for _, method := range models.SupportedMethods {
			op := item.GetOperation(method)
			if op == nil {
				continue
			}

			in := &models.DefinitionInput{
				APIName:  prefix + strings.TrimPrefix(pathPattern, "/"),
				Method:   method,
				Variants: extractVariants(op),
			}
			if len(in.Variants) == 0 {
				result.Skipped = append(result.Skipped, method+" "+pathPattern)
				continue
			}
			result.Definitions = append(result.Definitions, in)
		}
	}

	return result, nil
}

// extractVariants builds one variant per numeric response code in ascending
// order. The first 2xx variant gets weight 1, the rest 0.
func extractVariants(op *openapi3.Operation) []models.VariantInput {
	if op.Responses == nil {
		return nil
	}

	var codes []int
	for key := range op.Responses.Map() {
		code, err := strconv.Atoi(key)
		if err != nil || code < 100 || code > 599 {
			continue
		}
		codes = append(codes, code)
	}
	slices.Sort(codes)

	variants := make([]models.VariantInput, 0, len(codes))
	weighted := false
	for _, code := range codes {
		ref := op.Responses.Status(code)
		if ref == nil || ref.Value == nil {
			continue
		}

		v := buildVariant(code, ref.Value)
		weight := 0
		if !weighted && code >= 200 && code < 300 {
			weight = 1
			weighted = true
		}
		v.Weight = &weight
		variants = append(variants, v)
	}

	// a document with no success response still answers with its first one
	if !weighted && len(variants) > 0 {
		one := 1
		variants[0].Weight = &one
	}
	return variants
}

func buildVariant(code int, resp *openapi3.Response) models.VariantInput {
	v := models.VariantInput{
		StatusCode:      code,
		ResponseHeaders: make(map[string]string),
	}

	for name, header := range resp.Headers {
		if header.Value != nil && header.Value.Example != nil {
			v.ResponseHeaders[name] = fmt.Sprintf("%v", header.Value.Example)
		}
	}

	mediaTypes := make([]string, 0, len(resp.Content))
	for mt := range resp.Content {
		mediaTypes = append(mediaTypes, mt)
	}
	sort.Strings(mediaTypes)

	for _, mediaType := range mediaTypes {
		if !strings.Contains(mediaType, "json") {
			continue
		}
		content := resp.Content[mediaType]
		v.ResponseTemplate = exampleBody(content)
		if mediaType != "application/json" {
			v.ResponseHeaders["Content-Type"] = mediaType
		}
		break
	}

	if v.ResponseTemplate == "" && code != http.StatusNoContent {
		v.ResponseTemplate = "{}"
	}
	if len(v.ResponseHeaders) == 0 {
		v.ResponseHeaders = nil
	}
	return v
}

// exampleBody prefers an inline example, then the first named example, then
// a value generated from the schema
func exampleBody(content *openapi3.MediaType) string {
	if content == nil {
		return ""
	}
	if content.Example != nil {
		return formatExample(content.Example)
	}
	if len(content.Examples) > 0 {
		names := make([]string, 0, len(content.Examples))
		for name := range content.Examples {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ex := content.Examples[name]
			if ex != nil && ex.Value != nil && ex.Value.Value != nil {
				return formatExample(ex.Value.Value)
			}
		}
	}
	if content.Schema != nil && content.Schema.Value != nil {
		return formatExample(exampleFromSchema(content.Schema.Value, 0))
	}
	return ""
}

// formatExample converts an example value to a JSON string
func formatExample(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		if data, err := json.Marshal(val); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", val)
	}
}

// exampleFromSchema generates a representative value for schema
func exampleFromSchema(schema *openapi3.Schema, depth int) any {
	if schema.Example != nil {
		return schema.Example
	}
	if len(schema.Enum) > 0 {
		return schema.Enum[0]
	}
	if depth >= maxSchemaDepth {
		return nil
	}

	switch {
	case schema.Type == nil:
		if len(schema.Properties) > 0 {
			return objectExample(schema, depth)
		}
		return nil
	case schema.Type.Is(openapi3.TypeObject):
		return objectExample(schema, depth)
	case schema.Type.Is(openapi3.TypeArray):
		if schema.Items != nil && schema.Items.Value != nil {
			return []any{exampleFromSchema(schema.Items.Value, depth+1)}
		}
		return []any{}
	case schema.Type.Is(openapi3.TypeString):
		return "string"
	case schema.Type.Is(openapi3.TypeInteger):
		return 0
	case schema.Type.Is(openapi3.TypeNumber):
		return 0.0
	case schema.Type.Is(openapi3.TypeBoolean):
		return false
	default:
		return nil
	}
}

func objectExample(schema *openapi3.Schema, depth int) map[string]any {
	obj := make(map[string]any, len(schema.Properties))
	for name, prop := range schema.Properties {
		if prop == nil || prop.Value == nil {
			continue
		}
		obj[name] = exampleFromSchema(prop.Value, depth+1)
	}
	return obj
}

// normalizePrefix strips surrounding slashes and ensures a trailing one
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
