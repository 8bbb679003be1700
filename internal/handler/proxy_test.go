package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"lmstudio-proxy-go/internal/client"
	"lmstudio-proxy-go/internal/config"
	"lmstudio-proxy-go/internal/service"
)

func newTestProxyHandler(t *testing.T, upstreamURL string) *ProxyHandler {
	t.Helper()

	cfg := &config.Config{
		LMStudio: config.LMStudioConfig{
			BaseURL:         upstreamURL,
			TimeoutSeconds:  5,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lc := client.NewLMStudioClient(cfg, logger, nil)
	svc, err := service.NewForwardService(lc, cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewForwardService: %v", err)
	}
	return NewProxyHandler(svc, logger)
}

func TestHandle_StreamsUpstreamResponse(t *testing.T) {
	const upstreamBody = `{"data":[{"id":"llama-3.2-1b"}]}`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(upstreamBody))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	req.Header.Set("Authorization", "Bearer sk-aaaaaaaaaa")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != upstreamBody {
		t.Errorf("body = %q, want %q byte-for-byte", rec.Body.String(), upstreamBody)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

func TestHandle_FlushesChunksWhileUpstreamStreams(t *testing.T) {
	const (
		firstToken  = "data: token1\n\n"
		secondToken = "data: token2\n\n"
	)

	// The upstream emits one SSE chunk, flushes it, and holds the stream open
	// until released. The chunk (and the response headers) must reach the
	// client while the upstream exchange is still in flight; a proxy that
	// buffers until the handler returns would deliver nothing here.
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(firstToken))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write([]byte(secondToken))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, upstream.URL)
	e := echo.New()
	e.Any("/*", h.Handle)
	proxySrv := httptest.NewServer(e)
	defer proxySrv.Close()

	done := make(chan error, 1)
	go func() {
		resp, err := http.Get(proxySrv.URL + "/v1/chat/completions")
		if err != nil {
			done <- err
			return
		}
		defer resp.Body.Close()

		buf := make([]byte, len(firstToken))
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			done <- fmt.Errorf("read first chunk: %w", err)
			return
		}
		if string(buf) != firstToken {
			done <- fmt.Errorf("first chunk = %q, want %q", buf, firstToken)
			return
		}

		// First chunk arrived with the stream still open; let it finish.
		close(release)

		rest, err := io.ReadAll(resp.Body)
		if err != nil {
			done <- fmt.Errorf("read remainder: %w", err)
			return
		}
		if string(rest) != secondToken {
			done <- fmt.Errorf("remainder = %q, want %q", rest, secondToken)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never reached the client while the upstream stream was open")
	}
}

func TestHandle_UpstreamStatusPreserved(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/odd", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}

func TestHandle_ConnectionRefused(t *testing.T) {
	h := newTestProxyHandler(t, "http://127.0.0.1:1")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}

	var body gatewayBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error != "Bad Gateway" {
		t.Errorf("body.error = %q, want %q", body.Error, "Bad Gateway")
	}
	if !strings.Contains(body.Message, "http://127.0.0.1:1") {
		t.Errorf("body.message = %q, want it to name the upstream URL", body.Message)
	}
	if len(body.Troubleshooting) == 0 {
		t.Error("body.troubleshooting is empty, want operator guidance")
	}
}

func TestMapError_Shapes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "timeout is 504",
			err:        &service.GatewayError{Kind: service.KindTimeout, Message: "m", Details: "d", Troubleshooting: []string{"t"}},
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "Gateway Timeout",
		},
		{
			name:       "edge unreachable is 502",
			err:        &service.GatewayError{Kind: service.KindEdgeUnreachable, Message: "m"},
			wantStatus: http.StatusBadGateway,
			wantError:  "Bad Gateway",
		},
		{
			name:       "other gateway failure is 502",
			err:        &service.GatewayError{Kind: service.KindOther, Message: "m", Details: "raw"},
			wantStatus: http.StatusBadGateway,
			wantError:  "Bad Gateway",
		},
		{
			name:       "non-gateway failure is opaque 500",
			err:        errors.New("programming mistake"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() error = %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("body.error = %v, want %q", body["error"], tt.wantError)
			}
			if tt.wantStatus == http.StatusInternalServerError {
				if msg, _ := body["message"].(string); strings.Contains(msg, "programming mistake") {
					t.Error("500 body leaked the internal error message")
				}
			}
		})
	}
}
