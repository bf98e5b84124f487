// Package gateway is the thin HTTP binding layer that turns an incoming
// request into a plugin dispatch and the plugin's wire response back
// into an HTTP response. It understands two URL schemes — multi-tenant
// and single-tenant — and nothing else; routing decisions beyond
// function identity (auth, rate limiting, CORS) are out of scope here.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/hhrf/internal/invoke"
	"github.com/oriys/hhrf/internal/logging"
	"github.com/oriys/hhrf/internal/manifest"
	"github.com/oriys/hhrf/internal/metrics"
	"github.com/oriys/hhrf/internal/observability"
	"github.com/oriys/hhrf/internal/registry"
	"github.com/oriys/hhrf/internal/wire"
)

// Dispatcher is the subset of the invocation pipeline the gateway needs.
// invoke.Pipeline satisfies it.
type Dispatcher interface {
	Invoke(ctx context.Context, key string, d invoke.Dispatch) ([]byte, error)
}

// Gateway routes HTTP requests to functions resolved via a manifest
// Store, dispatches them through a Dispatcher, and translates the wire
// response back to HTTP.
//
// route resolutions are cached in a sync.Map keyed by the inbound URL
// prefix because manifest/.env parsing touches disk on every cold
// lookup; ReloadRoutes drops the cache so a control-plane sync can force
// a re-read without a restart.
type Gateway struct {
	store        *manifest.Store
	dispatch     Dispatcher
	reg          *registry.Registry
	maxBodyBytes int64
	defaultTTL   time.Duration
	transport    invoke.Transport
	runnerPath   string

	routeCache sync.Map // string -> resolvedRoute
}

type resolvedRoute struct {
	manifest manifest.FunctionManifest
	dir      string
	env      map[string]string
}

// Options configures a Gateway.
type Options struct {
	MaxBodyBytes   int64
	DefaultTimeout time.Duration
	Transport      invoke.Transport
	RunnerPath     string
}

// New constructs a Gateway. reg may be nil when only the dynamic-library
// dispatch path (via store+dispatch) is used.
func New(store *manifest.Store, dispatch Dispatcher, reg *registry.Registry, opts Options) *Gateway {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = invoke.DefaultTimeout
	}
	return &Gateway{
		store:        store,
		dispatch:     dispatch,
		reg:          reg,
		maxBodyBytes: opts.MaxBodyBytes,
		defaultTTL:   opts.DefaultTimeout,
		transport:    opts.Transport,
		runnerPath:   opts.RunnerPath,
	}
}

// ReloadRoutes drops the cached route resolutions so the next request
// re-reads manifests and .env overlays from disk.
func (g *Gateway) ReloadRoutes() {
	g.routeCache.Range(func(key, _ any) bool {
		g.routeCache.Delete(key)
		return true
	})
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/_health":
		g.handleHealth(w, r)
	case r.URL.Path == "/_metrics":
		g.handleMetrics(w, r)
	case r.URL.Path == "/_metrics/prom":
		metrics.PrometheusHandler().ServeHTTP(w, r)
	case strings.HasPrefix(r.URL.Path, "/rpc/"):
		g.handleRPC(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// functionState is the {name, state} shape served at /_metrics.
type functionState struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	states := make([]functionState, 0)
	if g.reg != nil {
		for _, s := range g.reg.List() {
			states = append(states, functionState{Name: s.Name, State: s.State.String()})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(states)
}

// handleRPC parses /rpc/... under either URL scheme, resolves the
// target function's manifest, builds a WireRequest, dispatches it, and
// writes the WireResponse back as an HTTP response.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()[:8]
	start := time.Now()

	route, pathAndQuery, err := g.resolveRoute(r.URL.Path, r.URL.RawQuery)
	if err != nil {
		logging.Op().Error("route resolution failed", "request_id", requestID, "path", r.URL.Path, "error", err)
		http.NotFound(w, r)
		return
	}

	maxBody := g.maxBodyBytes
	if route.manifest.MaxBodyBytes > 0 {
		maxBody = route.manifest.MaxBodyBytes
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}
	if int64(len(body)) > maxBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	req := wire.Request{
		Method:       r.Method,
		Scheme:       schemeOf(r),
		Authority:    r.Host,
		PathAndQuery: pathAndQuery,
		Headers:      headersFromHTTP(r.Header),
		Body:         body,
		Meta: wire.Meta{
			TraceID:  requestID,
			ClientIP: r.RemoteAddr,
		},
	}

	ctx, span := observability.StartServerSpan(r.Context(), "hhrf.invoke",
		observability.AttrFunctionID.String(route.manifest.Key()),
		observability.AttrRequestID.String(requestID),
	)
	defer span.End()

	payload, err := wire.EncodeRequest(req)
	if err != nil {
		http.Error(w, "failed to encode request", http.StatusInternalServerError)
		return
	}

	transport := g.transport
	if route.manifest.Transport == "subprocess" {
		transport = invoke.TransportSubprocess
	} else if route.manifest.Transport == "in-process" {
		transport = invoke.TransportInProcess
	}

	out, err := g.dispatch.Invoke(ctx, route.manifest.Key(), invoke.Dispatch{
		LibraryPath: route.manifest.EntryPath(route.dir),
		EnvOverlay:  route.env,
		Request:     payload,
		Deadline:    g.defaultTTL,
		Transport:   transport,
		RunnerPath:  g.runnerPath,
	})
	duration := time.Since(start)

	span.SetAttributes(observability.AttrDurationMs.Int64(duration.Milliseconds()))

	if err != nil {
		observability.SetSpanError(span, err)
		g.writeInvokeError(w, requestID, err)
		metrics.RecordInvocation(route.manifest.ID, duration, false)
		logging.Default().Log(&logging.RequestLog{
			RequestID: requestID, TraceID: observability.GetTraceID(ctx), SpanID: observability.GetSpanID(ctx),
			Function: route.manifest.ID, FunctionKey: route.manifest.Key(), Transport: transport.String(),
			DurationMs: duration.Milliseconds(), Success: false, Error: err.Error(), InputSize: len(body),
		})
		return
	}

	resp, err := wire.DecodeResponse(out)
	if err != nil {
		observability.SetSpanError(span, err)
		logging.Op().Error("decode failed", "request_id", requestID, "function", route.manifest.ID, "error", err)
		http.Error(w, "plugin returned malformed response", http.StatusInternalServerError)
		metrics.RecordInvocation(route.manifest.ID, duration, false)
		logging.Default().Log(&logging.RequestLog{
			RequestID: requestID, TraceID: observability.GetTraceID(ctx), SpanID: observability.GetSpanID(ctx),
			Function: route.manifest.ID, FunctionKey: route.manifest.Key(), Transport: transport.String(),
			DurationMs: duration.Milliseconds(), Success: false, Error: err.Error(), InputSize: len(body),
		})
		return
	}

	observability.SetSpanOK(span)
	writeWireResponse(w, resp)
	logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).Info(
		"invocation completed", "request_id", requestID, "function", route.manifest.ID, "duration_ms", duration.Milliseconds())
	metrics.RecordInvocation(route.manifest.ID, duration, true)
	logging.Default().Log(&logging.RequestLog{
		RequestID: requestID, TraceID: observability.GetTraceID(ctx), SpanID: observability.GetSpanID(ctx),
		Function: route.manifest.ID, FunctionKey: route.manifest.Key(), Transport: transport.String(),
		DurationMs: duration.Milliseconds(), Success: true, InputSize: len(body), OutputSize: len(resp.Body),
	})
}

func (g *Gateway) writeInvokeError(w http.ResponseWriter, requestID string, err error) {
	var ie *invoke.Error
	if !asInvokeError(err, &ie) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	logging.Op().Error("invocation failed", "request_id", requestID, "kind", ie.Kind.String(), "error", ie.Cause)
	switch ie.Kind {
	case invoke.KindTimeout:
		http.Error(w, "timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, "plugin invocation failed", http.StatusInternalServerError)
	}
}

func asInvokeError(err error, target **invoke.Error) bool {
	if ie, ok := err.(*invoke.Error); ok {
		*target = ie
		return true
	}
	return false
}

// resolveRoute parses path as either /rpc/{org}/{func}/{version}/{tail*}
// or /rpc/{id}{/tail*} and resolves the matching manifest on disk,
// caching the result by the route prefix.
func (g *Gateway) resolveRoute(path, rawQuery string) (resolvedRoute, string, error) {
	trimmed := strings.TrimPrefix(path, "/rpc/")
	segments := strings.Split(trimmed, "/")

	// Multi-tenant: /rpc/{org}/{func}/{version}/{tail*}
	if len(segments) >= 3 {
		org, fn, version := segments[0], segments[1], segments[2]
		cacheKey := "mt:" + org + "/" + fn + "/" + version
		pathAndQuery := withQuery("/"+strings.Join(segments[3:], "/"), rawQuery)
		if v, ok := g.routeCache.Load(cacheKey); ok {
			rr := v.(resolvedRoute)
			if !rr.manifest.Stale(rr.dir, rr.env) {
				return rr, pathAndQuery, nil
			}
			g.routeCache.Delete(cacheKey)
		}
		dir := g.store.MultiTenantDir(org, fn, version)
		m, env, err := manifest.Load(dir, org+"/"+fn, version)
		if err == nil {
			rr := resolvedRoute{manifest: m, dir: dir, env: env}
			g.routeCache.Store(cacheKey, rr)
			return rr, pathAndQuery, nil
		}
	}

	// Single-tenant: /rpc/{id}{/tail*}
	if len(segments) >= 1 && segments[0] != "" {
		id := segments[0]
		cacheKey := "st:" + id
		pathAndQuery := withQuery("/"+strings.Join(segments[1:], "/"), rawQuery)
		if v, ok := g.routeCache.Load(cacheKey); ok {
			rr := v.(resolvedRoute)
			if !rr.manifest.Stale(rr.dir, rr.env) {
				return rr, pathAndQuery, nil
			}
			g.routeCache.Delete(cacheKey)
		}
		dir := g.store.Root() + "/functions/" + id
		m, env, err := manifest.Load(dir, id, "")
		if err != nil {
			return resolvedRoute{}, "", err
		}
		rr := resolvedRoute{manifest: m, dir: dir, env: env}
		g.routeCache.Store(cacheKey, rr)
		return rr, pathAndQuery, nil
	}

	return resolvedRoute{}, "", manifest.ErrNotFound
}

// withQuery joins tail and rawQuery into a non-empty path_and_query,
// substituting "/" for an empty tail.
func withQuery(tail, rawQuery string) string {
	if tail == "" {
		tail = "/"
	}
	if rawQuery == "" {
		return tail
	}
	return tail + "?" + rawQuery
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func headersFromHTTP(h http.Header) []wire.Header {
	out := make([]wire.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, wire.Header{Name: []byte(name), Value: []byte(v)})
		}
	}
	return out
}

func writeWireResponse(w http.ResponseWriter, resp wire.Response) {
	status := int(resp.Status)
	if status < 100 || status > 599 {
		status = http.StatusInternalServerError
	}
	for _, h := range resp.Headers {
		name, value := string(h.Name), string(h.Value)
		if !validHeaderName(name) || !validHeaderValue(value) {
			logging.Op().Warn("dropping invalid response header", "name", name)
			continue
		}
		w.Header().Add(name, value)
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}

func validHeaderName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r <= ' ' || r == ':' || r > '~' {
			return false
		}
	}
	return true
}

func validHeaderValue(s string) bool {
	for _, r := range s {
		if r == '\r' || r == '\n' {
			return false
		}
	}
	return true
}
