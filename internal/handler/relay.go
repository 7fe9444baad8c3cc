package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/relay"
)

// RelayHandler serves both relay routes: the path-mapped family and the
// query-parameter route.
type RelayHandler struct {
	engine *relay.Engine
	logger *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(eng *relay.Engine, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		engine: eng,
		logger: logger.With("component", "relay_handler"),
	}
}

// HandlePath relays a request whose target is derived from the inbound path.
func (h *RelayHandler) HandlePath(c echo.Context) error {
	resp, err := h.engine.ForwardPath(relayRequest(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return h.writeResponse(c, resp)
}

// HandleQuery relays a request whose target is supplied in the url query
// parameter. Validation failures are answered locally with 400/403.
func (h *RelayHandler) HandleQuery(c echo.Context) error {
	resp, err := h.engine.ForwardQuery(relayRequest(c), c.QueryParam("url"))
	if err != nil {
		return h.mapError(c, err)
	}
	return h.writeResponse(c, resp)
}

func relayRequest(c echo.Context) *model.RelayRequest {
	req := c.Request()
	return &model.RelayRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}
}

// writeResponse relays the upstream status and filtered headers, then emits
// the body. JSON bodies are re-emitted as JSON; anything else, including a
// body that fails to parse despite a JSON content type, is written as raw
// text. The whole body is buffered here because the serialization decision
// depends on its content.
func (h *RelayHandler) writeResponse(c echo.Context, resp *model.RelayResponse) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.mapError(c, fmt.Errorf("read upstream body: %w", err))
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	contentType := resp.Header.Get(echo.HeaderContentType)
	if relay.StructuredBody(contentType, body) {
		return c.JSONBlob(resp.StatusCode, body)
	}
	if contentType == "" {
		contentType = echo.MIMETextPlainCharsetUTF8
	}
	return c.Blob(resp.StatusCode, contentType, body)
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	h.logger.Error("relay error",
		"err", err,
		"path", path,
	)

	if errors.Is(err, relay.ErrMissingTarget) {
		return c.JSON(http.StatusBadRequest, model.ErrorBody{
			Error:   "Missing URL parameter",
			Message: "Supply the target as ?url=https://example.com/path",
		})
	}

	if errors.Is(err, relay.ErrInvalidTarget) {
		return c.JSON(http.StatusBadRequest, model.ErrorBody{
			Error: "Invalid URL format",
		})
	}

	if errors.Is(err, relay.ErrHostNotAllowed) {
		return c.JSON(http.StatusForbidden, model.ErrorBody{
			Error:   "Target host not allowed",
			Message: err.Error(),
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusInternalServerError, model.ErrorBody{
			Error:   "Upstream request failed",
			Message: "upstream request timed out",
			Path:    path,
		})
	}

	return c.JSON(http.StatusInternalServerError, model.ErrorBody{
		Error:   "Upstream request failed",
		Message: err.Error(),
		Path:    path,
	})
}
