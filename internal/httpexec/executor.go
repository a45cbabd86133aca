// Package httpexec implements a single HTTP attempt: dial, TLS, timeouts,
// header injection, and response capture, with errors classified into the
// kinds the Resilience Wrapper and poll tick dispatch on.
package httpexec

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/herr"
)

// Request is one fully-built outgoing HTTP request.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    []byte
}

// Response is one completed attempt's result.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
	Elapsed time.Duration
}

// Executor sends a single Request and returns a Response or a classified
// *herr.Error.
type Executor interface {
	Do(ctx context.Context, sourceID string, req Request) (Response, error)
}

// StatusClass buckets an HTTP status for metrics labeling, ported from
// original_source/src/poll.rs's status_class.
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

// httpExecutor is the default Executor, backed by net/http with a
// per-source transport honoring the configured TLS and timeout policy.
type httpExecutor struct {
	client           *http.Client
	requestTimeout   time.Duration
	readTimeout      time.Duration
	userAgent        string
	maxResponseBytes int64
}

// New builds an Executor for a source from its resilience config.
func New(cfg hconfig.ResilienceConfig, userAgent string, maxResponseBytes int64) (Executor, error) {
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("build tls config: %w", err)
	}

	dialer := &net.Dialer{Timeout: secs(cfg.Timeouts.ConnectSecs)}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     secs(cfg.Timeouts.IdleSecs),
		TLSHandshakeTimeout: secs(cfg.Timeouts.ConnectSecs),
	}

	return &httpExecutor{
		client:           &http.Client{Transport: transport},
		requestTimeout:   secs(cfg.Timeouts.RequestSecs),
		readTimeout:      secs(cfg.Timeouts.ReadSecs),
		userAgent:        userAgent,
		maxResponseBytes: maxResponseBytes,
	}, nil
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func buildTLSConfig(cfg hconfig.TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: minVersion(cfg.MinVersion)}

	if cfg.CustomCA != "" {
		pem, err := os.ReadFile(cfg.CustomCA)
		if err != nil {
			return nil, fmt.Errorf("read custom_ca: %w", err)
		}
		pool := x509.NewCertPool()
		if cfg.CAMode == "merge" {
			sys, err := x509.SystemCertPool()
			if err == nil && sys != nil {
				pool = sys
			}
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("custom_ca contains no valid certificates")
		}
		tc.RootCAs = pool
	}

	if cfg.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	return tc, nil
}

func minVersion(v string) uint16 {
	switch v {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

func (e *httpExecutor) Do(ctx context.Context, sourceID string, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, herr.New(herr.KindNetwork, sourceID, fmt.Errorf("build request: %w", err))
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("User-Agent") == "" && e.userAgent != "" {
		httpReq.Header.Set("User-Agent", e.userAgent)
	}
	q := httpReq.URL.Query()
	for k, v := range req.Query {
		q.Set(k, v)
	}
	httpReq.URL.RawQuery = q.Encode()

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Response{}, classifyTransportError(sourceID, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, e.maxResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return Response{}, herr.New(herr.KindNetwork, sourceID, fmt.Errorf("read body: %w", err)).WithStatus(resp.StatusCode)
	}
	if int64(len(body)) > e.maxResponseBytes {
		return Response{}, herr.New(herr.KindParseError, sourceID, fmt.Errorf("response body exceeds max_response_bytes=%d", e.maxResponseBytes))
	}

	elapsed := time.Since(start)
	if resp.StatusCode >= 400 {
		return Response{Status: resp.StatusCode, Headers: resp.Header, Body: body, Elapsed: elapsed},
			herr.New(herr.KindHTTPStatus, sourceID, fmt.Errorf("http status %d", resp.StatusCode)).WithStatus(resp.StatusCode)
	}

	return Response{Status: resp.StatusCode, Headers: resp.Header, Body: body, Elapsed: elapsed}, nil
}

func classifyTransportError(sourceID string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return herr.New(herr.KindNetwork, sourceID, fmt.Errorf("timeout: %w", err))
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return herr.New(herr.KindNetwork, sourceID, fmt.Errorf("tls: %w", err))
	}
	return herr.New(herr.KindNetwork, sourceID, err)
}
