package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"lmstudio-proxy-go/internal/model"
	"lmstudio-proxy-go/internal/service"
)

// gatewayBody is the external JSON shape for 502/504 responses.
type gatewayBody struct {
	Error           string   `json:"error"`
	Message         string   `json:"message"`
	Details         string   `json:"details,omitempty"`
	Troubleshooting []string `json:"troubleshooting,omitempty"`
}

// ProxyHandler forwards admitted, authenticated requests to the upstream
// LM Studio server.
type ProxyHandler struct {
	service *service.ForwardService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ForwardService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle relays the request upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Relay scrubbed upstream headers and status verbatim.
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)
	c.Response().Flush()

	// Stream the upstream body directly to the client, flushing after every
	// chunk so generation tokens reach the caller as the upstream emits them
	// instead of sitting in the server's write buffer until the exchange ends.
	// If the copy fails mid-stream (client disconnect, network error), the
	// status code has already been sent, so the client receives a truncated
	// response with the original status. This is an inherent trade-off of
	// streaming proxies; the error is logged for observability.
	fw := &flushWriter{resp: c.Response()}
	if _, err := io.Copy(fw, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// flushWriter pushes every written chunk through to the client immediately.
// echo's *Response implements http.Flusher over the underlying writer.
type flushWriter struct {
	resp *echo.Response
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.resp.Write(p)
	if n > 0 {
		f.resp.Flush()
	}
	return n, err
}

// mapError translates a forwarding failure into its external JSON response.
// Every failure is fully handled here; callers never see a raw transport error.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var gwErr *service.GatewayError
	if errors.As(err, &gwErr) {
		switch gwErr.Kind {
		case service.KindTimeout:
			return c.JSON(http.StatusGatewayTimeout, gatewayBody{
				Error:           "Gateway Timeout",
				Message:         gwErr.Message,
				Details:         gwErr.Details,
				Troubleshooting: gwErr.Troubleshooting,
			})
		default:
			return c.JSON(http.StatusBadGateway, gatewayBody{
				Error:           "Bad Gateway",
				Message:         gwErr.Message,
				Details:         gwErr.Details,
				Troubleshooting: gwErr.Troubleshooting,
			})
		}
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "Internal Server Error",
		"message": "an unexpected error occurred while proxying the request",
	})
}
