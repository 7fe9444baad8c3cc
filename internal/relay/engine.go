// Package relay implements the core forwarding engine: target construction,
// header filtering, body transcoding and response content negotiation.
package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/model"
)

// Sentinel errors for target validation. All are detected locally, before any
// network activity.
var (
	ErrMissingTarget  = errors.New("missing url query parameter")
	ErrInvalidTarget  = errors.New("invalid target URL")
	ErrHostNotAllowed = errors.New("target host not allowed")
)

// deniedRequestHeaders are never forwarded upstream. They either identify the
// caller's origin or belong to the inbound connection, not the relayed request.
var deniedRequestHeaders = map[string]bool{
	"Host":                true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Origin":              true,
	"Referer":             true,
	"X-Forwarded-For":     true,
	"X-Forwarded-Host":    true,
	"X-Forwarded-Proto":   true,
	"X-Real-Ip":           true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
}

// internalHeaderPrefix marks the platform-internal header family, also denied.
const internalHeaderPrefix = "x-relay-"

// pathResponseHeaders are the response headers relayed on the path-mapped route.
var pathResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Cache-Control":    true,
	"Expires":          true,
	"Last-Modified":    true,
	"Etag":             true,
	"Content-Length":   true,
	"Content-Encoding": true,
}

// queryResponseHeaders is the narrower allowlist for the query-parameter route.
// Length and encoding headers are dropped because the body may be re-emitted.
var queryResponseHeaders = map[string]bool{
	"Content-Type":  true,
	"Cache-Control": true,
	"Expires":       true,
	"Last-Modified": true,
}

// Engine forwards relay requests to the upstream and shapes the responses.
// It is immutable after construction; concurrent use is safe.
type Engine struct {
	client       *client.UpstreamClient
	logger       *slog.Logger
	base         string
	prefix       string
	userAgent    string
	allowedHosts map[string]bool
}

// New creates an Engine from the upstream and relay configuration.
func New(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q is not absolute", cfg.Upstream.BaseURL)
	}

	allowed := make(map[string]bool, len(cfg.Relay.AllowedHosts))
	for _, h := range cfg.Relay.AllowedHosts {
		allowed[strings.ToLower(h)] = true
	}
	if len(allowed) == 0 {
		logger.Warn("relay.allowed_hosts is empty; the /proxy route will forward to any host")
	}

	return &Engine{
		client:       c,
		logger:       logger.With("component", "relay_engine"),
		base:         strings.TrimSuffix(cfg.Upstream.BaseURL, "/"),
		prefix:       cfg.Upstream.PathPrefix,
		userAgent:    cfg.Relay.UserAgent,
		allowedHosts: allowed,
	}, nil
}

// PathTarget maps an inbound path onto the upstream base by stripping exactly
// the configured prefix. The raw query string is appended verbatim, without
// re-encoding. A path equal to the prefix yields the bare base URL.
func (e *Engine) PathTarget(path, rawQuery string) string {
	target := e.base + path[len(e.prefix):]
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// ParseTarget validates a caller-supplied target URL for the query-parameter
// route. It never touches the network.
func (e *Engine) ParseTarget(raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingTarget
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	if len(e.allowedHosts) > 0 && !e.allowedHosts[strings.ToLower(u.Hostname())] {
		return "", fmt.Errorf("%w: %q", ErrHostNotAllowed, u.Hostname())
	}
	return u.String(), nil
}

// ForwardPath relays a request on the path-mapped route.
// The caller is responsible for closing the response body.
func (e *Engine) ForwardPath(rr *model.RelayRequest) (*model.RelayResponse, error) {
	target := e.PathTarget(rr.Path, rr.RawQuery)
	return e.forward(rr, target, pathResponseHeaders)
}

// ForwardQuery relays a request on the query-parameter route. The target is
// validated before any upstream contact; the caller closes the response body.
func (e *Engine) ForwardQuery(rr *model.RelayRequest, rawTarget string) (*model.RelayResponse, error) {
	target, err := e.ParseTarget(rawTarget)
	if err != nil {
		return nil, err
	}
	return e.forward(rr, target, queryResponseHeaders)
}

func (e *Engine) forward(rr *model.RelayRequest, target string, allow map[string]bool) (*model.RelayResponse, error) {
	body, forcedType, err := e.prepareBody(rr.Method, rr.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	header := e.filterRequestHeaders(rr.Header)
	if forcedType != "" {
		header.Set("Content-Type", forcedType)
	}

	e.logger.Debug("forwarding request",
		"method", rr.Method,
		"path", rr.Path,
	)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	resp, err := e.client.DoStream(rr.Ctx, rr.Method, target, header, reader)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header, allow)
	return resp, nil
}

// prepareBody applies the request-direction body rules: GET and HEAD never
// carry a body; a structured (JSON object or array) body is forwarded
// byte-for-byte with forced content type; anything else passes through with
// no content-type override.
func (e *Engine) prepareBody(method string, body io.ReadCloser) ([]byte, string, error) {
	if method == http.MethodGet || method == http.MethodHead {
		if body != nil {
			_ = body.Close()
		}
		return nil, "", nil
	}
	if body == nil {
		return nil, "", nil
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", nil
	}
	if isStructuredValue(data) {
		return data, "application/json", nil
	}
	return data, "", nil
}

// filterRequestHeaders copies inbound headers to the outbound request,
// excluding the denylist and the platform-internal prefix family. User-Agent
// is always overridden; Accept defaults to JSON only when the caller sent none.
func (e *Engine) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		canon := http.CanonicalHeaderKey(key)
		if deniedRequestHeaders[canon] {
			continue
		}
		if strings.HasPrefix(strings.ToLower(key), internalHeaderPrefix) {
			continue
		}
		dst[canon] = vals
	}
	dst.Set("User-Agent", e.userAgent)
	if dst.Get("Accept") == "" {
		dst.Set("Accept", "application/json")
	}
	return dst
}

func filterResponseHeaders(src http.Header, allow map[string]bool) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if allow[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}

// StructuredBody reports whether an upstream body should be re-emitted as
// structured JSON: the content type must indicate JSON and the body must
// actually parse. A JSON content type with a malformed body falls back to raw
// text so upstream error pages never break the relay.
func StructuredBody(contentType string, body []byte) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if mt != "application/json" && !strings.HasSuffix(mt, "+json") {
		return false
	}
	return gjson.ValidBytes(body)
}

// isStructuredValue reports whether data is a JSON object or array.
func isStructuredValue(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return gjson.ValidBytes(data)
}
