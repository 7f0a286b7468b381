package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prasenjit/omock/internal/logging"
	"github.com/prasenjit/omock/internal/metrics"
	"github.com/prasenjit/omock/internal/models"
	"github.com/prasenjit/omock/internal/selector"
	"github.com/prasenjit/omock/internal/stats"
	"github.com/prasenjit/omock/internal/storage"
	"github.com/prasenjit/omock/internal/template"
	"github.com/prasenjit/omock/internal/tracing"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// MaxBodyBytes caps how much of a request body is read
const MaxBodyBytes = 10 << 20

var (
	ErrMockNotFound     = errors.New("mock not found")
	ErrMethodNotAllowed = errors.New("method not allowed for this mock")
	ErrBadRequest       = errors.New("bad request")
	ErrInternal         = errors.New("internal error")
)

// maxResolveAttempts bounds how often a dispatch re-reads a definition that
// was replaced or removed while it was being resolved
const maxResolveAttempts = 3

// errSuperseded means a template of the resolved definition is gone
var errSuperseded = errors.New("mock changed during dispatch")

// Renderer looks up compiled templates and executes them
type Renderer interface {
	Template(name string) (*template.Template, bool)
	Execute(t *template.Template, ctx map[string]any) (string, error)
}

// Request is the transport-independent form of an inbound mock call
type Request struct {
	APIName string
	Method  string
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// Response is a fully rendered mock response
type Response struct {
	MockID       string
	VariantIndex int
	StatusCode   int
	Headers      map[string]string
	Body         string
}

// Engine turns inbound requests into rendered mock responses
type Engine struct {
	registry storage.Registry
	renderer Renderer
	selector *selector.Selector
	stats    *stats.Collector
	tracing  *tracing.Service
	metrics  *metrics.Metrics
	logger   *zap.Logger
	prefix   string
}

// Option configures an Engine
type Option func(*Engine)

// WithStats records per-mock statistics
func WithStats(c *stats.Collector) Option {
	return func(e *Engine) { e.stats = c }
}

// WithTracing records a trace per dispatch
func WithTracing(s *tracing.Service) Option {
	return func(e *Engine) { e.tracing = s }
}

// WithMetrics records Prometheus metrics per dispatch
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the dispatch logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// WithPrefix sets the URL path prefix stripped to obtain the mock name
func WithPrefix(prefix string) Option {
	return func(e *Engine) { e.prefix = prefix }
}

// NewEngine creates a dispatcher
func NewEngine(registry storage.Registry, renderer Renderer, sel *selector.Selector, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		renderer: renderer,
		selector: sel,
		logger:   zap.NewNop(),
		prefix:   "/mock/",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch resolves req to a mock and renders one of its variants, waiting
// out the variant delay without blocking other requests
func (e *Engine) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	var (
		res  *resolution
		resp *Response
		err  error
	)
	for attempt := 1; ; attempt++ {
		res, resp, err = e.resolve(req)
		if !errors.Is(err, errSuperseded) {
			break
		}
		if attempt == maxResolveAttempts {
			return resp, fmt.Errorf("%w: %w", ErrInternal, err)
		}
		e.logger.Debug("mock changed during dispatch, resolving again",
			zap.String("api_name", req.APIName),
			zap.Int("attempt", attempt),
		)
	}
	if err != nil {
		return resp, err
	}

	body, err := e.renderer.Execute(res.body, res.ctx)
	if err != nil {
		return resp, fmt.Errorf("%w: body: %w", ErrInternal, err)
	}
	resp.Body = body

	resp.Headers = make(map[string]string, len(res.headers))
	for h, t := range res.headers {
		v, err := e.renderer.Execute(t, res.ctx)
		if err != nil {
			return resp, fmt.Errorf("%w: header %s: %w", ErrInternal, h, err)
		}
		resp.Headers[http.CanonicalHeaderKey(h)] = v
	}

	if err := sleep(ctx, res.delay); err != nil {
		return resp, err
	}
	return resp, nil
}

// resolution is one definition version with its selected variant and the
// compiled templates that render it
type resolution struct {
	ctx     map[string]any
	body    *template.Template
	headers map[string]*template.Template
	delay   time.Duration
}

// resolve runs lookup, method check, context build and selection, then takes
// the selected variant's templates. Held templates survive unregistration, so
// rendering sees one consistent version.
func (e *Engine) resolve(req *Request) (*resolution, *Response, error) {
	def, err := e.registry.GetByName(req.APIName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMockNotFound, req.APIName)
	}

	resp := &Response{MockID: def.ID.String(), VariantIndex: -1}

	if !strings.EqualFold(req.Method, def.Method) {
		return nil, resp, fmt.Errorf("%w: %s expects %s", ErrMethodNotAllowed, req.APIName, def.Method)
	}

	renderCtx, err := buildContext(req, def)
	if err != nil {
		return nil, resp, err
	}

	idx, err := e.selector.Select(def.Variants, renderCtx)
	if err != nil {
		return nil, resp, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	variant := def.Variants[idx]
	resp.VariantIndex = idx
	resp.StatusCode = variant.StatusCode

	res := &resolution{
		ctx:     renderCtx,
		headers: make(map[string]*template.Template, len(variant.ResponseHeaders)),
		delay:   variant.DelayDuration(),
	}

	if res.body, err = e.lookupTemplate(def.BodyTemplateName(idx)); err != nil {
		return nil, resp, err
	}
	for h := range variant.ResponseHeaders {
		t, err := e.lookupTemplate(def.HeaderTemplateName(idx, h))
		if err != nil {
			return nil, resp, err
		}
		res.headers[h] = t
	}
	return res, resp, nil
}

func (e *Engine) lookupTemplate(name string) (*template.Template, error) {
	t, ok := e.renderer.Template(name)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", errSuperseded, template.ErrNotFound, name)
	}
	return t, nil
}

// ServeHTTP adapts Dispatch to net/http
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req := &Request{
		APIName: strings.TrimPrefix(r.URL.Path, e.prefix),
		Method:  r.Method,
		Headers: r.Header,
		Query:   r.URL.Query(),
	}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
		if err != nil {
			e.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		req.Body = body
	}

	resp, err := e.Dispatch(r.Context(), req)
	status := statusFor(err)
	if resp != nil && err == nil {
		status = resp.StatusCode
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// client went away during the delay; nothing to write
		e.logger.Debug("dispatch abandoned", zap.String("api_name", req.APIName), zap.Error(err))
	case err != nil:
		e.writeError(w, status, errorMessage(err))
	default:
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, resp.Body)
	}

	e.record(req, resp, status, err, time.Since(start))
}

func (e *Engine) record(req *Request, resp *Response, status int, err error, d time.Duration) {
	mockID := ""
	variant := -1
	if resp != nil {
		mockID = resp.MockID
		variant = resp.VariantIndex
	}

	e.metrics.ObserveDispatch(status, d)

	if e.stats != nil {
		e.stats.RecordRequest(mockID, req.APIName, req.Method, d, status >= 400)
		if err != nil {
			e.stats.RecordError(mockID, req.APIName, req.Method, status, err.Error())
		}
	}

	if err != nil && status >= 500 {
		e.logger.Warn("dispatch failed",
			zap.String("api_name", req.APIName),
			zap.String("method", req.Method),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	if e.tracing == nil {
		return
	}
	trace := &models.Trace{
		MockID:       mockID,
		APIName:      req.APIName,
		VariantIndex: variant,
		Timestamp:    time.Now().Add(-d),
		Duration:     d.Nanoseconds(),
		Request: models.TraceRequest{
			Method:  req.Method,
			Path:    e.prefix + req.APIName,
			Query:   req.Query,
			Headers: req.Headers,
			Body:    string(req.Body),
		},
		Response: models.TraceResponse{StatusCode: status},
	}
	if resp != nil && err == nil {
		trace.Response.Headers = resp.Headers
		trace.Response.Body = resp.Body
	}
	if err != nil {
		trace.Error = err.Error()
	}
	e.tracing.RecordTrace(trace)
}

func (e *Engine) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}

// buildContext assembles the render context: headers (lower-cased, first
// value), then query parameters, then top-level JSON body members, then api_name
func buildContext(req *Request, def *models.Definition) (map[string]any, error) {
	ctx := make(map[string]any, len(req.Headers)+len(req.Query)+1)

	for k, vals := range req.Headers {
		key := strings.ToLower(k)
		if _, seen := ctx[key]; seen || len(vals) == 0 {
			continue
		}
		ctx[key] = vals[0]
	}

	for k, vals := range req.Query {
		if len(vals) > 0 {
			ctx[k] = vals[0]
		}
	}

	if len(req.Body) > 0 && isJSON(req.Headers) && usesPlaceholders(def) {
		if !gjson.ValidBytes(req.Body) {
			return nil, fmt.Errorf("%w: malformed JSON body", ErrBadRequest)
		}
		parsed := gjson.ParseBytes(req.Body)
		if parsed.IsObject() {
			parsed.ForEach(func(key, value gjson.Result) bool {
				ctx[key.String()] = value.Value()
				return true
			})
		}
	}

	ctx[models.ReservedNameKey] = req.APIName
	return ctx, nil
}

func isJSON(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "json")
}

func usesPlaceholders(def *models.Definition) bool {
	for _, v := range def.Variants {
		if template.HasPlaceholders(v.ResponseTemplate) || template.HasPlaceholders(v.Condition) {
			return true
		}
		for _, h := range v.ResponseHeaders {
			if template.HasPlaceholders(h) {
				return true
			}
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// statusFor maps a dispatch error to its HTTP status
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMockNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrMockNotFound):
		return "Mock not found"
	case errors.Is(err, ErrMethodNotAllowed):
		return "Method not allowed for this mock"
	case errors.Is(err, ErrBadRequest):
		return "Failed to parse JSON body"
	case errors.Is(err, selector.ErrNoMatchingVariant):
		return "No matching response variant"
	default:
		return "Template rendering error"
	}
}
