package mcpgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
)

func TestGatewayHandlerConditionalBearerToken(t *testing.T) {
	t.Parallel()

	const resourceMetadataURL = "https://example-server.modelcontextprotocol.io/.well-known/oauth-protected-resource"

	var verifierCalls int
	gateway, err := NewGateway(&Options{
		Path: "/mcp",
		TokenVerifier: func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
			if token != "hub-operator" {
				return nil, auth.ErrInvalidToken
			}
			verifierCalls++
			return &auth.TokenInfo{
				Expiration: time.Now().Add(time.Minute),
			}, nil
		},
		TokenOptions: &auth.RequireBearerTokenOptions{
			ResourceMetadataURL: resourceMetadataURL,
		},
	})
	if err != nil {
		t.Fatalf("NewGateway with auth: %v", err)
	}

	server := httptest.NewServer(gateway.Handler())
	t.Cleanup(server.Close)

	endpoint := server.URL + "/mcp"
	client := server.Client()

	resp, err := client.Post(endpoint, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post without token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	wantHeader := "Bearer resource_metadata=" + resourceMetadataURL
	if got := resp.Header.Get("WWW-Authenticate"); got != wantHeader {
		t.Fatalf("unexpected WWW-Authenticate header: got %q want %q", got, wantHeader)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer hub-operator")
	req.Header.Set("Content-Type", "application/json")

	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("post with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		t.Fatalf("expected request with token to reach handler, got 401")
	}
	if verifierCalls != 1 {
		t.Fatalf("expected verifier to be called once, got %d", verifierCalls)
	}
}

func TestGatewayHandlerWithoutAuthLeavesEndpointOpen(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(&Options{Path: "/mcp"})
	if err != nil {
		t.Fatalf("NewGateway without auth: %v", err)
	}

	server := httptest.NewServer(gateway.Handler())
	t.Cleanup(server.Close)

	resp, err := server.Client().Post(server.URL+"/mcp", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post without auth config: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		t.Fatalf("unexpected unauthorized response without auth configured")
	}
}

func TestGatewayAuthOptionsRequireVerifier(t *testing.T) {
	t.Parallel()

	_, err := NewGateway(&Options{
		TokenOptions: &auth.RequireBearerTokenOptions{Scopes: []string{"required"}},
	})
	if err == nil {
		t.Fatalf("expected error when TokenOptions provided without TokenVerifier")
	}
}

func TestOAuthProtectedResourceCORSEnabled(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(&Options{
		TokenVerifier: func(context.Context, string, *http.Request) (*auth.TokenInfo, error) {
			return &auth.TokenInfo{
				Expiration: time.Now().Add(time.Minute),
			}, nil
		},
		TokenOptions: &auth.RequireBearerTokenOptions{
			ResourceMetadataURL: "https://example-server.modelcontextprotocol.io/.well-known/oauth-protected-resource",
			Scopes:              []string{"instances:read"},
		},
		AuthorizationServer: "https://example-server.modelcontextprotocol.io/",
	})
	if err != nil {
		t.Fatalf("NewGateway with auth: %v", err)
	}

	server := httptest.NewServer(gateway.Handler())
	t.Cleanup(server.Close)

	metadataEndpoint := server.URL + protectedResourcePath

	t.Run("same origin", func(t *testing.T) {
		resp, err := server.Client().Get(metadataEndpoint)
		if err != nil {
			t.Fatalf("get metadata endpoint: %v", err)
		}
		defer resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("unexpected Access-Control-Allow-Origin without Origin: got %q", got)
		}
		var doc protectedResourceMetadata
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatalf("decode metadata: %v", err)
		}
		if doc.Resource != server.URL+"/mcp" {
			t.Fatalf("unexpected resource %q", doc.Resource)
		}
		if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != "https://example-server.modelcontextprotocol.io/" {
			t.Fatalf("unexpected authorization servers %v", doc.AuthorizationServers)
		}
		if len(doc.ScopesSupported) != 1 || doc.ScopesSupported[0] != "instances:read" {
			t.Fatalf("unexpected scopes %v", doc.ScopesSupported)
		}
	})

	t.Run("cross origin", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, metadataEndpoint, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Origin", "https://inspector.example")
		resp, err := server.Client().Do(req)
		if err != nil {
			t.Fatalf("get metadata endpoint: %v", err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("expected wildcard Access-Control-Allow-Origin, got %q", got)
		}
	})

	t.Run("POST rejected", func(t *testing.T) {
		resp, err := server.Client().Post(metadataEndpoint, "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("post metadata endpoint: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", resp.StatusCode)
		}
	})
}

func TestGatewayMetadataAbsentWithoutAuth(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	server := httptest.NewServer(gateway.Handler())
	t.Cleanup(server.Close)

	resp, err := server.Client().Get(server.URL + protectedResourcePath)
	if err != nil {
		t.Fatalf("get metadata endpoint: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without auth, got %d", resp.StatusCode)
	}
}
