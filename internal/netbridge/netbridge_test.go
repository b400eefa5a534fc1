package netbridge_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmsandbox/wasmsh/internal/netbridge"
)

func TestFetchDeniedHostNeverTouchesNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	b := netbridge.New(netbridge.Policy{AllowedHosts: []string{"example.invalid"}}, time.Second)
	resp := b.Fetch(context.Background(), netbridge.Request{URL: srv.URL, Method: "GET"})

	require.Equal(t, 403, resp.Status)
	require.NotEmpty(t, resp.Error)
	require.False(t, called)
}

func TestFetchAllowedHostSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	b := netbridge.New(netbridge.Policy{AllowedHosts: []string{host}}, time.Second)
	resp := b.Fetch(context.Background(), netbridge.Request{URL: srv.URL, Method: "GET"})

	require.Equal(t, 200, resp.Status)
	require.Equal(t, "hello", string(resp.Body))
	require.Equal(t, "yes", resp.Headers["X-Test"])
}

func TestFetchMethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	b := netbridge.New(netbridge.Policy{AllowedHosts: []string{host}, AllowedMethods: []string{"GET"}}, time.Second)
	resp := b.Fetch(context.Background(), netbridge.Request{URL: srv.URL, Method: "POST"})

	require.Equal(t, 403, resp.Status)
}

func TestFetchCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	b := netbridge.New(netbridge.Policy{AllowedHosts: []string{host}}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp := b.Fetch(ctx, netbridge.Request{URL: srv.URL, Method: "GET"})

	require.NotEqual(t, 200, resp.Status)
	require.NotEmpty(t, resp.Error)
}
