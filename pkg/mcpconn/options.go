package mcpconn

import (
	"context"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	Instance  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// AuthProvider dynamically supplies an Authorization header (for example,
// "Bearer <token>") for outbound HTTP requests.
type AuthProvider func(context.Context) (string, error)

// ProgressFunc receives progress notifications emitted by the instance.
type ProgressFunc func(ctx context.Context, instance string, params *mcp.ProgressNotificationParams)

// Options configures a Handle. The zero value is usable.
type Options struct {
	// ClientName is advertised during initialization. Defaults to "mcphub".
	ClientName string
	// ClientVersion is advertised during initialization. Defaults to "1.0.0".
	ClientVersion string
	// HTTPClient is cloned and decorated for every dial. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// Headers are added to every outbound request.
	Headers      http.Header
	AuthProvider AuthProvider
	// PreferSSE forces the SSE transport. When nil, endpoints ending in /sse
	// use SSE and everything else uses Streamable HTTP first.
	PreferSSE *bool
	// MaxRetries is passed to the Streamable transport.
	MaxRetries int

	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// KeepAlive makes the client ping the instance so a hung process is
	// detected as a dropped session.
	KeepAlive time.Duration

	LogJSONRPC bool
	RPCLogger  RPCLogger

	OnProgress ProgressFunc
	Logger     *zap.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ClientName == "" {
		opts.ClientName = "mcphub"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}
