package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// GatewayKind classifies why an upstream exchange failed.
type GatewayKind int

const (
	// KindTimeout means the upstream did not respond within the exchange budget.
	KindTimeout GatewayKind = iota
	// KindConnectionRefused means the upstream actively refused the connection.
	KindConnectionRefused
	// KindEdgeUnreachable means the edge network answered with its own
	// "cannot reach origin" error page instead of an origin response.
	KindEdgeUnreachable
	// KindOther covers any remaining transport failure.
	KindOther
)

// String returns the metrics/log label for the kind.
func (k GatewayKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionRefused:
		return "connection_refused"
	case KindEdgeUnreachable:
		return "edge_unreachable"
	default:
		return "other"
	}
}

// GatewayError is a fully classified upstream failure, carrying everything
// the handler needs to write the external JSON body. Nothing rawer than this
// ever crosses the handler boundary.
type GatewayError struct {
	Kind            GatewayKind
	Message         string
	Details         string
	Troubleshooting []string
	cause           error
}

func (e *GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.cause }

// classifyTransportError maps a local transport failure to a GatewayError.
// Exactly one upstream attempt is made per inbound request; nothing here retries.
func (s *ForwardService) classifyTransportError(err error) *GatewayError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &GatewayError{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("LM Studio did not respond within %ds", s.cfg.LMStudio.TimeoutSeconds),
			Details: fmt.Sprintf("no response from %s before the timeout elapsed", s.cfg.LMStudio.BaseURL),
			Troubleshooting: []string{
				"Check that the loaded model is not stuck mid-generation",
				"Long prompts may need a higher lmstudio.timeout_seconds",
				"Restart the LM Studio server if it is unresponsive",
			},
			cause: err,
		}
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return &GatewayError{
			Kind:    KindConnectionRefused,
			Message: fmt.Sprintf("Cannot connect to LM Studio at %s", s.cfg.LMStudio.BaseURL),
			Details: "connection refused",
			Troubleshooting: []string{
				"Make sure LM Studio is running and its local server is started",
				fmt.Sprintf("Verify the server address matches %s", s.cfg.LMStudio.BaseURL),
				"Check that no firewall blocks the port",
			},
			cause: err,
		}
	}

	if errors.Is(err, context.Canceled) {
		// Caller hung up before the exchange finished; the response body
		// written here is never read, but the shape stays consistent.
		return &GatewayError{
			Kind:    KindOther,
			Message: "Client disconnected",
			Details: err.Error(),
			cause:   err,
		}
	}

	return &GatewayError{
		Kind:    KindOther,
		Message: "Upstream request failed",
		Details: err.Error(),
		cause:   err,
	}
}

// Cloudflare reserves 520–530 for "cannot reach origin" conditions. A response
// in this range might still be a legitimate origin response that reuses the
// code, so the body is inspected before the proxy takes it over.
const (
	edgeStatusMin = 520
	edgeStatusMax = 530
	// edgeTimeoutStatus is Cloudflare's "origin took too long" sub-code.
	edgeTimeoutStatus = 524

	// edgePeekBytes bounds how much of an edge-range body is buffered for
	// marker inspection. Everything else streams through untouched.
	edgePeekBytes = 64 * 1024
)

// edgeErrorMarkers are literal substrings that identify Cloudflare's own
// error template, as opposed to an origin response reusing a 52x code.
var edgeErrorMarkers = [][]byte{
	[]byte("Cloudflare"),
	[]byte("cloudflare"),
	[]byte("cf-error-details"),
	[]byte("CF-RAY"),
}

// isEdgeStatus reports whether the status falls in the reserved edge range.
func isEdgeStatus(code int) bool {
	return code >= edgeStatusMin && code <= edgeStatusMax
}

// containsEdgeMarker reports whether the buffered body prefix looks like the
// edge's own error page.
func containsEdgeMarker(body []byte) bool {
	for _, m := range edgeErrorMarkers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

// edgeError builds the synthesized failure for a confirmed edge error page.
func edgeError(statusCode int) *GatewayError {
	msg := "Cloudflare tunnel cannot reach the origin server"
	if statusCode == edgeTimeoutStatus {
		msg = "Cloudflare tunnel timed out waiting for the origin server"
	}
	return &GatewayError{
		Kind:    KindEdgeUnreachable,
		Message: msg,
		Details: fmt.Sprintf("edge returned status %d", statusCode),
		Troubleshooting: []string{
			"Check that the proxy process is running on the origin host",
			"Check that cloudflared is connected and pointing at the proxy port",
			"Inspect the tunnel logs for connection errors",
		},
	}
}

// peekedBody re-stitches buffered peek bytes ahead of the rest of a stream so
// an unmatched edge-range response can be relayed byte-for-byte.
type peekedBody struct {
	io.Reader
	closer io.Closer
}

func (p *peekedBody) Close() error { return p.closer.Close() }

func newPeekedBody(peeked []byte, rest io.ReadCloser) io.ReadCloser {
	return &peekedBody{
		Reader: io.MultiReader(bytes.NewReader(peeked), rest),
		closer: rest,
	}
}
