package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcphub/pkg/discovery"
	"github.com/vikashloomba/mcphub/pkg/metrics"
)

const (
	// ListInstancesTool reports every configured instance slot.
	ListInstancesTool = "mcphub__list_instances"
	// RescanTool triggers an immediate scan cycle.
	RescanTool = "mcphub__rescan"

	protectedResourcePath = "/.well-known/oauth-protected-resource"
)

// Inventory is the discovery state the hub tools report on.
type Inventory interface {
	Snapshot() []discovery.InstanceStatus
	LastScanTime() (time.Time, bool)
	ScanNow(ctx context.Context) bool
}

// Gateway exposes a Streamable MCP server that fronts every discovered
// instance under a single HTTP endpoint. It implements
// discovery.CatalogNotifier.
type Gateway struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Gateway

	features *featureIndex
	progress *progressTracker

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux

	serverMu sync.Mutex

	callersMu sync.RWMutex
	callers   map[string]discovery.ToolCaller

	inventoryOnce sync.Once

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

var _ discovery.CatalogNotifier = (*Gateway)(nil)

// NewGateway builds a Gateway with an empty catalog.
func NewGateway(opts *Options) (*Gateway, error) {
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, errors.New("mcpgateway: TokenOptions requires TokenVerifier")
	}
	g := &Gateway{
		opts:     options,
		logger:   options.Logger,
		metrics:  metrics.NewGateway(options.Registerer),
		features: newFeatureIndex(options.Namespace),
		progress: newProgressTracker(options.Logger),
		callers:  make(map[string]discovery.ToolCaller),
		mux:      http.NewServeMux(),
	}
	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.mountHandler()
	return g, nil
}

// Options returns the effective options.
func (g *Gateway) Options() Options { return g.opts }

// Server returns the underlying MCP server.
func (g *Gateway) Server() *mcp.Server { return g.server }

// ServeMux exposes the mux behind Handler so callers can add routes. The MCP
// endpoint is already mounted at Options.Path.
func (g *Gateway) ServeMux() *http.ServeMux { return g.mux }

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler { return g.mux }

// InstanceAppeared publishes the tools of a newly connected instance.
func (g *Gateway) InstanceAppeared(ctx context.Context, inst discovery.InstanceCatalog) error {
	g.setCaller(inst.Name, inst.Caller)
	if err := g.syncTools(inst); err != nil {
		return err
	}
	g.logger.Info("instance published", zap.String("instance", inst.Name), zap.String("address", inst.Address), zap.Int("tools", len(inst.Tools)))
	return nil
}

// CapabilitiesChanged replaces the published tools of an instance.
func (g *Gateway) CapabilitiesChanged(ctx context.Context, inst discovery.InstanceCatalog) error {
	g.setCaller(inst.Name, inst.Caller)
	if err := g.syncTools(inst); err != nil {
		return err
	}
	g.logger.Info("instance tools updated", zap.String("instance", inst.Name), zap.Int("tools", len(inst.Tools)))
	return nil
}

// InstanceRemoved withdraws every tool of an instance.
func (g *Gateway) InstanceRemoved(ctx context.Context, name string) error {
	removed := g.features.RemoveInstance(name)
	g.serverMu.Lock()
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	g.serverMu.Unlock()

	g.callersMu.Lock()
	delete(g.callers, name)
	g.callersMu.Unlock()

	g.metrics.ExposedTools.Set(float64(g.features.Len()))
	g.logger.Info("instance withdrawn", zap.String("instance", name), zap.Int("tools", len(removed)))
	return nil
}

// ForwardProgress relays an instance progress notification to the
// downstream session that issued the matching call.
func (g *Gateway) ForwardProgress(ctx context.Context, instance string, params *mcp.ProgressNotificationParams) {
	g.progress.forward(ctx, instance, params)
}

// AttachInventory registers the hub tools backed by inv. Only the first call
// has an effect.
func (g *Gateway) AttachInventory(inv Inventory) {
	if inv == nil {
		return
	}
	g.inventoryOnce.Do(func() {
		g.serverMu.Lock()
		defer g.serverMu.Unlock()
		mcp.AddTool(g.server, &mcp.Tool{
			Name:        ListInstancesTool,
			Description: "List every configured instance with its discovery status and exposed tools.",
		}, func(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, listInstancesResult, error) {
			return nil, g.describe(inv), nil
		})
		mcp.AddTool(g.server, &mcp.Tool{
			Name:        RescanTool,
			Description: "Scan every candidate endpoint now instead of waiting for the next interval.",
		}, func(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, rescanResult, error) {
			ran := inv.ScanNow(ctx)
			return nil, rescanResult{Ran: ran, Inventory: g.describe(inv)}, nil
		})
	})
}

type instanceView struct {
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	Tools        []string `json:"tools"`
}

type listInstancesResult struct {
	Instances []instanceView `json:"instances"`
	LastScan  string         `json:"last_scan,omitempty"`
}

type rescanResult struct {
	Ran       bool                `json:"ran"`
	Inventory listInstancesResult `json:"inventory"`
}

func (g *Gateway) describe(inv Inventory) listInstancesResult {
	rows := inv.Snapshot()
	out := listInstancesResult{Instances: make([]instanceView, 0, len(rows))}
	for _, row := range rows {
		tools := g.features.InstanceTools(row.Name)
		if tools == nil {
			tools = []string{}
		}
		capabilities := append([]string{}, row.Capabilities...)
		out.Instances = append(out.Instances, instanceView{
			Name:         row.Name,
			Address:      row.Address,
			Status:       string(row.Status),
			Capabilities: capabilities,
			Tools:        tools,
		})
	}
	if at, ok := inv.LastScanTime(); ok {
		out.LastScan = at.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (g *Gateway) syncTools(inst discovery.InstanceCatalog) error {
	removed, added := g.features.UpdateTools(inst.Name, inst.Tools)
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	var errs []error
	for _, reg := range added {
		if err := g.addTool(reg); err != nil {
			errs = append(errs, err)
		}
	}
	g.metrics.ExposedTools.Set(float64(g.features.Len()))
	return errors.Join(errs...)
}

// addTool converts a registration panic from the SDK, such as a malformed
// input schema, into an error.
func (g *Gateway) addTool(reg toolRegistration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mcpgateway: register %s: %v", reg.Target.GatewayName, r)
		}
	}()
	g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target))
	return nil
}

func (g *Gateway) setCaller(name string, caller discovery.ToolCaller) {
	if caller == nil {
		return
	}
	g.callersMu.Lock()
	g.callers[name] = caller
	g.callersMu.Unlock()
}

func (g *Gateway) caller(name string) (discovery.ToolCaller, bool) {
	g.callersMu.RLock()
	defer g.callersMu.RUnlock()
	c, ok := g.callers[name]
	return c, ok
}

func (g *Gateway) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, ok := g.caller(target.Instance)
		if !ok {
			g.metrics.ToolCallsTotal.WithLabelValues(target.Instance, "unavailable").Inc()
			return nil, fmt.Errorf("mcpgateway: instance %q is not available", target.Instance)
		}
		params := &mcp.CallToolParams{Name: target.NativeName}
		if req.Params != nil {
			params.Meta = maps.Clone(req.Params.Meta)
			if len(req.Params.Arguments) > 0 {
				params.Arguments = req.Params.Arguments
			}
		}
		if req.Session != nil {
			release := g.progress.track(target.Instance, req.Session, params)
			defer release()
		}

		callCtx, cancel := context.WithTimeout(ctx, g.opts.SyncTimeout)
		defer cancel()
		res, err := caller.CallTool(callCtx, params)
		if err != nil {
			g.metrics.ToolCallsTotal.WithLabelValues(target.Instance, "error").Inc()
			g.logger.Warn("forwarded tool call failed", zap.String("instance", target.Instance), zap.String("tool", target.NativeName), zap.Error(err))
			return nil, err
		}
		g.metrics.ToolCallsTotal.WithLabelValues(target.Instance, "ok").Inc()
		return res, nil
	}
}

func (g *Gateway) mountHandler() {
	var handler http.Handler = g.streamHandler
	if g.opts.TokenVerifier != nil {
		tokenOpts := g.opts.TokenOptions
		if tokenOpts == nil {
			tokenOpts = &auth.RequireBearerTokenOptions{}
		}
		handler = auth.RequireBearerToken(g.opts.TokenVerifier, tokenOpts)(handler)
		g.mux.Handle(protectedResourcePath, cors.AllowAll().Handler(http.HandlerFunc(g.serveResourceMetadata)))
	}
	if g.opts.CORS != nil {
		handler = cors.New(*g.opts.CORS).Handler(handler)
	}

	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	g.mux.Handle(path, handler)
	if !strings.HasSuffix(path, "/") {
		g.mux.Handle(path+"/", handler)
	}
}

type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

func (g *Gateway) serveResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	doc := protectedResourceMetadata{
		Resource:               scheme + "://" + r.Host + g.opts.Path,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           g.opts.Implementation.Title,
	}
	if g.opts.AuthorizationServer != "" {
		doc.AuthorizationServers = []string{g.opts.AuthorizationServer}
	}
	if g.opts.TokenOptions != nil {
		doc.ScopesSupported = g.opts.TokenOptions.Scopes
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		g.logger.Warn("write resource metadata", zap.Error(err))
	}
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.logger.Info("gateway listening", zap.String("addr", g.opts.Addr), zap.String("path", g.opts.Path))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("gateway shutdown", zap.Error(err))
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
