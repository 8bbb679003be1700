// Package service implements the core forwarding pipeline: header scrubbing,
// transparent streaming relay, and gateway failure translation.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"lmstudio-proxy-go/internal/client"
	"lmstudio-proxy-go/internal/config"
	"lmstudio-proxy-go/internal/metrics"
	"lmstudio-proxy-go/internal/model"
)

// requestScrubHeaders are stripped before a request goes upstream. The
// upstream must never see the caller's credential or any header revealing
// the proxy chain; the hop is invisible to it.
var requestScrubHeaders = []string{
	"Authorization",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Forwarded-Host",
	"X-Real-IP",
	"CF-Connecting-IP",
	"CF-Ray",
	"CF-Visitor",
	"CF-IPCountry",
	"CDN-Loop",
}

// hopByHopHeaders must not survive any proxy hop (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// responseScrubHeaders are stripped from upstream responses before relaying,
// plus any X-Forwarded-* header (prefix match). Origin headers like Server
// are relayed verbatim; only proxy-identifying ones go.
var responseScrubHeaders = []string{
	"X-Powered-By",
	"Via",
}

// ForwardService relays admitted requests to the single configured upstream.
// All fields are set at construction and read-only afterwards.
type ForwardService struct {
	client  *client.LMStudioClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL *url.URL
}

// NewForwardService creates a ForwardService for the configured upstream.
// The metrics parameter may be nil.
func NewForwardService(c *client.LMStudioClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ForwardService, error) {
	u, err := url.Parse(cfg.LMStudio.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse lmstudio base_url: %w", err)
	}

	return &ForwardService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "forward_service"),
		metrics: m,
		baseURL: u,
	}, nil
}

// Forward relays a request to the upstream and returns the response with its
// body still streaming. The request body is never fully buffered; neither is
// the response body, except for the bounded edge-error peek. On failure the
// returned error is always a *GatewayError.
//
// The caller owns the response body and must close it.
func (s *ForwardService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.Query)
	header := s.scrubRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, s.baseURL.Host, header, pr.Body)
	if err != nil {
		gwErr := s.classifyTransportError(err)
		if s.metrics != nil {
			s.metrics.GatewayFailures.WithLabelValues(gwErr.Kind.String()).Inc()
		}
		return nil, gwErr
	}

	if isEdgeStatus(resp.StatusCode) {
		resp, err = s.interceptEdgeError(resp)
		if err != nil {
			return nil, err
		}
	}

	resp.Header = s.scrubResponseHeaders(resp.Header)
	return resp, nil
}

// interceptEdgeError inspects a response in the reserved 520–530 range. A
// bounded prefix of the body is buffered; if it carries a known edge error
// page marker the response is replaced with a classified failure, otherwise
// the original response is relayed untouched with the peeked bytes
// re-stitched ahead of the remaining stream.
func (s *ForwardService) interceptEdgeError(resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	peeked := make([]byte, edgePeekBytes)
	n, readErr := io.ReadFull(resp.Body, peeked)
	if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
		_ = resp.Body.Close()
		gwErr := s.classifyTransportError(readErr)
		if s.metrics != nil {
			s.metrics.GatewayFailures.WithLabelValues(gwErr.Kind.String()).Inc()
		}
		return nil, gwErr
	}
	peeked = peeked[:n]

	if containsEdgeMarker(peeked) {
		_ = resp.Body.Close()
		gwErr := edgeError(resp.StatusCode)
		s.logger.Warn("edge error page intercepted",
			"upstream_status", resp.StatusCode,
			"kind", gwErr.Kind.String(),
		)
		if s.metrics != nil {
			s.metrics.GatewayFailures.WithLabelValues(gwErr.Kind.String()).Inc()
		}
		return nil, gwErr
	}

	// Legitimate origin response that happens to reuse an edge code.
	resp.Body = newPeekedBody(peeked, resp.Body)
	return resp, nil
}

func (s *ForwardService) buildUpstreamURL(path string, query url.Values) string {
	u := *s.baseURL
	// Path passes through verbatim, /v1 prefix included.
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// scrubRequestHeaders copies the inbound headers minus the credential,
// proxy-identifying, and hop-by-hop sets. The source header is not modified.
func (s *ForwardService) scrubRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = vals
	}
	for _, key := range requestScrubHeaders {
		dst.Del(key)
	}
	for _, key := range hopByHopHeaders {
		dst.Del(key)
	}
	dst.Del("Host")
	return dst
}

// scrubResponseHeaders removes proxy-identifying headers from the upstream
// response before it is relayed. Everything else passes through verbatim.
func (s *ForwardService) scrubResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if strings.HasPrefix(http.CanonicalHeaderKey(key), "X-Forwarded-") {
			continue
		}
		dst[key] = vals
	}
	for _, key := range responseScrubHeaders {
		dst.Del(key)
	}
	return dst
}
