// Package httptool executes outbound HTTPS calls declared by tool registry
// entries. Every request passes the SSRF guard before a socket is opened.
package httptool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"kilo/internal/kerr"
)

const (
	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes = 512 * 1024

	defaultTimeout = 10 * time.Second
	userAgent      = "kilo-runtime/1.0"
)

// Request describes one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	// Body is JSON-marshaled when non-nil.
	Body any
	// Timeout overrides the 10 s default when positive.
	Timeout time.Duration
}

// Response is the executor result. Body holds parsed JSON when the payload
// parses, otherwise the raw string.
type Response struct {
	Status    int
	Body      any
	Truncated bool
	LatencyMs int64
}

// Executor is a hardened outbound HTTPS client.
type Executor struct {
	client *http.Client
}

// New builds an executor with the shared transport.
func New() *Executor {
	dialer := &net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	return &Executor{client: &http.Client{Transport: transport}}
}

// Execute runs the request under the SSRF guard, timeout, and body cap.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	if err := CheckURL(req.URL); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	hasJSONBody := false
	if req.Body != nil && method != http.MethodGet {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, kerr.ToolExecution(req.URL, fmt.Errorf("marshal request body: %w", err))
		}
		bodyReader = bytes.NewReader(payload)
		hasJSONBody = true
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, kerr.ToolExecution(req.URL, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if hasJSONBody {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		log.Debug().Err(err).Str("url", req.URL).Dur("latency", latency).Msg("httptool_request_error")
		return nil, kerr.ToolExecution(req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read one byte past the cap to detect overflow without buffering more.
	limited := io.LimitReader(resp.Body, MaxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, kerr.ToolExecution(req.URL, fmt.Errorf("read body: %w", err))
	}
	truncated := false
	if len(raw) > MaxBodyBytes {
		raw = raw[:MaxBodyBytes]
		truncated = true
	}

	out := &Response{
		Status:    resp.StatusCode,
		Truncated: truncated,
		LatencyMs: latency.Milliseconds(),
	}
	var parsed any
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		out.Body = parsed
	} else {
		out.Body = string(raw)
	}

	log.Debug().
		Str("url", req.URL).
		Int("status", out.Status).
		Bool("truncated", truncated).
		Dur("latency", latency).
		Msg("httptool_request_ok")
	return out, nil
}

// CheckURL rejects non-HTTPS schemes and hosts that resolve to loopback or
// private ranges by literal form. It runs before any connection is made.
func CheckURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return kerr.ToolExecution(raw, fmt.Errorf("invalid url: %w", err))
	}
	if u.Scheme != "https" {
		return kerr.ToolExecution(raw, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return kerr.ToolExecution(raw, errors.New("missing host"))
	}
	if isBlockedHost(host) {
		return kerr.ToolExecution(raw, fmt.Errorf("host %q is not allowed", host))
	}
	return nil
}

var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"192.168.0.0/16",
	"172.16.0.0/12",
	"127.0.0.0/8",
)

func mustParseCIDRs(blocks ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, n, err := net.ParseCIDR(b)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

func isBlockedHost(host string) bool {
	if host == "localhost" || host == "::1" {
		return true
	}
	if strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return true
		}
		for _, n := range privateCIDRs {
			if n.Contains(ip) {
				return true
			}
		}
	}
	return false
}
