package wasm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Host capabilities a manifest may request.
const (
	HostLog         = "log"
	HostNetOutbound = "net:outbound"
	HostEnvRead     = "env:read"
)

// maxResponseBody bounds the HTTP body handed back to a module.
const maxResponseBody = 4 << 20

// enforcer gates the host functions on the capabilities granted to a bundle.
type enforcer struct {
	granted    map[string]bool
	httpClient *http.Client
}

func newEnforcer(granted []string, timeout time.Duration) *enforcer {
	e := &enforcer{
		granted:    make(map[string]bool, len(granted)),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, c := range granted {
		e.granted[c] = true
	}
	return e
}

func (e *enforcer) has(capability string) bool {
	return e.granted[capability]
}

// allow checks requested capabilities against an allow list. An empty allow
// list permits everything.
func allow(requested, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	var denied []string
	for _, r := range requested {
		if !set[r] {
			denied = append(denied, r)
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("host capabilities not allowed: %v", denied)
	}
	return nil
}

type httpRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type httpResponse struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (e *enforcer) do(ctx context.Context, req httpRequest) httpResponse {
	if !e.has(HostNetOutbound) {
		return httpResponse{Error: "capability net:outbound not granted"}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = bytes.NewReader([]byte(req.Body))
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return httpResponse{Error: fmt.Sprintf("failed to create HTTP request: %v", err)}
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(hreq)
	if err != nil {
		return httpResponse{Error: fmt.Sprintf("HTTP request failed: %v", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return httpResponse{Status: resp.StatusCode, Error: fmt.Sprintf("failed to read body: %v", err)}
	}
	out := httpResponse{Status: resp.StatusCode, Body: string(data), Headers: map[string]string{}}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out
}

func (e *enforcer) env(key string) (string, error) {
	if !e.has(HostEnvRead) {
		return "", fmt.Errorf("capability env:read not granted")
	}
	if isSensitiveEnvVar(key) {
		return "", fmt.Errorf("access to sensitive environment variable denied: %s", key)
	}
	return os.Getenv(key), nil
}

func isSensitiveEnvVar(key string) bool {
	upper := strings.ToUpper(key)
	for _, s := range []string{"SECRET", "TOKEN", "PASSWORD", "PASSWD", "API_KEY", "PRIVATE_KEY", "CREDENTIAL"} {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}
