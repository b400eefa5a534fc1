// Package netbridge implements the synchronous HTTP egress contract of
// spec.md §4.10: a policy engine gates every request against an
// allowed-hosts list and an optional method allowlist, and a denial
// short-circuits to a 403 response with no network traffic.
//
// The original system hands work to an out-of-process fetcher across a
// shared-memory atomic word and blocks the guest's stack until a
// response word flips. That handoff exists to cross a process boundary;
// here the guest already runs as a Go goroutine blocked in a host call,
// so Fetch does the HTTP round trip directly and returns when it
// completes — the goroutine scheduler is the suspension mechanism spec.md
// §5 asks for, with no shared-memory protocol needed to get there.
package netbridge

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is one guest-issued fetch.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response is what the guest observes back, win or lose. Denials and
// transport failures are reported via Error, not a Go error return,
// because the guest-facing contract is "always returns a response
// value" (spec.md §4.10) — callers that want a Go error for control
// flow should check Response.Error themselves.
type Response struct {
	Status  int
	Body    []byte
	Headers map[string]string
	Error   string
}

// Policy gates outbound requests. The zero value denies everything.
type Policy struct {
	// AllowedHosts is an exact-match allowlist of request hostnames
	// (host[:port] as in url.URL.Host). Empty means no host is allowed.
	AllowedHosts []string
	// AllowedMethods, if non-empty, restricts requests to these HTTP
	// methods (case-insensitive). Empty means any method is allowed.
	AllowedMethods []string
}

func (p Policy) allowsHost(host string) bool {
	for _, h := range p.AllowedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func (p Policy) allowsMethod(method string) bool {
	if len(p.AllowedMethods) == 0 {
		return true
	}
	for _, m := range p.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Bridge is the sandbox-side endpoint guests fetch through.
type Bridge struct {
	policy Policy
	client *http.Client
}

// New creates a Bridge enforcing policy, with requests timing out after
// timeout (0 disables the bridge's own timeout, leaving cancellation to
// the caller's context — the shell's per-command deadline, spec.md §5).
func New(policy Policy, timeout time.Duration) *Bridge {
	return &Bridge{policy: policy, client: &http.Client{Timeout: timeout}}
}

// Fetch performs req if policy allows it, honoring ctx for cancellation
// (network_fetch is a suspension point per spec.md §5). A denial never
// touches the network.
func (b *Bridge) Fetch(ctx context.Context, req Request) Response {
	_, reason, ok := b.checkPolicy(req)
	if !ok {
		return Response{Status: http.StatusForbidden, Error: reason}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = strings.NewReader(string(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Response{Status: http.StatusBadGateway, Error: err.Error()}
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{Status: http.StatusGatewayTimeout, Error: ctx.Err().Error()}
		}
		return Response{Status: http.StatusBadGateway, Error: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Status: http.StatusBadGateway, Error: err.Error()}
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	return Response{Status: resp.StatusCode, Body: respBody, Headers: headers}
}

// checkPolicy reports whether req passes policy, and if not, why.
func (b *Bridge) checkPolicy(req Request) (host string, reason string, ok bool) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return "", "invalid URL: " + err.Error(), false
	}
	host = parsed.Host
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if !b.policy.allowsHost(host) {
		return host, "host not in allowlist: " + host, false
	}
	if !b.policy.allowsMethod(method) {
		return host, "method not permitted: " + method, false
	}
	return host, "", true
}
