package mcpgateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// Routes registered on ServeMux, before or after serving starts, share the
// listener with the MCP endpoint.
func TestGatewayServeMuxSharesListener(t *testing.T) {
	gateway, err := NewGateway(&Options{Path: "/mcp"})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	mux := gateway.ServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fallback"))
	})

	for path, want := range map[string]string{"/healthz": "ok", "/api/instances": "fallback"} {
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode != http.StatusOK || string(body) != want {
			t.Fatalf("GET %s = %d %q, want 200 %q", path, res.StatusCode, body, want)
		}
	}

	// The MCP endpoint still answers, and rejects a non-MCP GET itself
	// instead of falling through to the catch-all.
	res, err := http.Get(srv.URL + "/mcp")
	if err != nil {
		t.Fatalf("GET /mcp: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if strings.Contains(string(body), "fallback") {
		t.Fatalf("MCP path was shadowed by catch-all route")
	}
}
