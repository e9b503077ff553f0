package mcpgateway

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler. Defaults to "/mcp".
	Path string
	// Namespace customizes how instance tool names are exposed to downstream
	// clients. Defaults to InstancePrefixNamespace.
	Namespace NamespaceStrategy
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions

	// TokenVerifier enables bearer authentication on the MCP endpoint.
	TokenVerifier auth.TokenVerifier
	// TokenOptions tunes bearer authentication. Requires TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// AuthorizationServer is advertised in the protected resource metadata
	// document served at /.well-known/oauth-protected-resource.
	AuthorizationServer string
	// CORS, when set, wraps the MCP endpoint in a CORS handler. The protected
	// resource metadata document is always readable cross-origin.
	CORS *cors.Options

	Logger *zap.Logger
	// Registerer receives the gateway collectors. Nil leaves them unexported.
	Registerer prometheus.Registerer
	// SyncTimeout bounds a single catalog update.
	SyncTimeout time.Duration
	// ShutdownTimeout bounds the HTTP drain when ListenAndServe's context ends.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcphub",
			Title:   "MCP Hub",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Namespace == nil {
		opts.Namespace = InstancePrefixNamespace{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return opts
}
