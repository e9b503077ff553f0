package mcpconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Phase is the lifecycle phase of a Handle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
)

// EventKind identifies a lifecycle event delivered to subscribers.
type EventKind string

const (
	EventConnected           EventKind = "connected"
	EventDisconnected        EventKind = "disconnected"
	EventCapabilitiesChanged EventKind = "capabilities_changed"
)

// Event is delivered to subscribers on every lifecycle transition. Tools is a
// copy of the instance's tool list for connected and capability events.
type Event struct {
	Kind     EventKind
	Instance string
	Tools    []*mcp.Tool
	Err      error
}

var (
	// ErrClosed is returned by operations on a closed Handle.
	ErrClosed = errors.New("mcpconn: handle closed")
	// ErrNotConnected is returned when no session is currently established.
	ErrNotConnected = errors.New("mcpconn: not connected")
)

const maxToolPages = 32

// Handle owns one reconnecting MCP client session.
type Handle struct {
	name     string
	endpoint string
	opts     Options
	logger   *zap.Logger
	tracker  *sessionIDTracker

	mu      sync.RWMutex
	phase   Phase
	session *mcp.ClientSession
	tools   []*mcp.Tool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	subsMu  sync.Mutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

// New builds an idle Handle for the instance reachable at endpoint.
func New(name, endpoint string, opts *Options) *Handle {
	options := opts.withDefaults()
	return &Handle{
		name:     name,
		endpoint: endpoint,
		opts:     options,
		logger:   options.Logger.With(zap.String("instance", name), zap.String("endpoint", endpoint)),
		tracker:  newSessionIDTracker(""),
		phase:    PhaseIdle,
		subs:     make(map[uint64]func(Event)),
	}
}

// Name returns the instance name the Handle was built for.
func (h *Handle) Name() string { return h.name }

// Endpoint returns the MCP endpoint URL.
func (h *Handle) Endpoint() string { return h.endpoint }

// Phase reports the current lifecycle phase.
func (h *Handle) Phase() Phase {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.phase
}

// Tools returns a copy of the most recently listed tools.
func (h *Handle) Tools() []*mcp.Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return cloneTools(h.tools)
}

// SessionID returns the negotiated session identifier, or "" when no
// session is established.
func (h *Handle) SessionID() string {
	h.mu.RLock()
	session := h.session
	h.mu.RUnlock()
	if session == nil {
		return ""
	}
	return session.ID()
}

// Subscribe registers fn for lifecycle events and returns a function that
// removes it.
func (h *Handle) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	h.subsMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.subsMu.Unlock()
	return func() {
		h.subsMu.Lock()
		delete(h.subs, id)
		h.subsMu.Unlock()
	}
}

// Connect establishes the first session. On success the Handle supervises
// the session and reconnects on its own until Close.
func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.session != nil {
		h.mu.Unlock()
		return nil
	}
	if h.phase == PhaseConnecting {
		h.mu.Unlock()
		return fmt.Errorf("mcpconn: connect already in progress for %q", h.name)
	}
	h.phase = PhaseConnecting
	h.mu.Unlock()

	session, err := h.establish(ctx)
	if err != nil {
		h.setPhaseUnlessClosed(PhaseDisconnected)
		return err
	}
	tools := h.initialTools(ctx, session)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = session.Close()
		return ErrClosed
	}
	superviseCtx, cancel := context.WithCancel(context.Background())
	h.session = session
	h.tools = tools
	h.phase = PhaseConnected
	h.cancel = cancel
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	h.logger.Info("instance session established", zap.Int("tools", len(tools)), zap.String("session", session.ID()))
	h.emit(Event{Kind: EventConnected, Tools: cloneTools(tools)})
	go h.supervise(superviseCtx, session, done)
	return nil
}

// Close tears the session down and stops reconnection. It is idempotent and
// resolves even if Connect was never called.
func (h *Handle) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	session := h.session
	h.session = nil
	h.tools = nil
	if h.phase != PhaseIdle {
		h.phase = PhaseDisconnected
	}
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var closeErr error
	if session != nil {
		errCh := make(chan error, 1)
		go func() {
			errCh <- session.Close()
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case closeErr = <-errCh:
		}
	}
	if done != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
	return closeErr
}

// CallTool invokes a tool on the current session.
func (h *Handle) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if params == nil || params.Name == "" {
		return nil, fmt.Errorf("mcpconn: tool name is required for %q", h.name)
	}
	h.mu.RLock()
	session := h.session
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, h.name)
	}
	ctx, cancel := withTimeout(ctx, h.opts.RequestTimeout)
	defer cancel()
	return session.CallTool(ctx, params)
}

func (h *Handle) supervise(ctx context.Context, session *mcp.ClientSession, done chan struct{}) {
	defer close(done)
	for {
		err := session.Wait()
		h.mu.Lock()
		if h.session == session {
			h.session = nil
		}
		closed := h.closed
		if !closed {
			h.phase = PhaseDisconnected
		}
		h.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		h.logger.Warn("instance session lost", zap.Error(err))
		h.emit(Event{Kind: EventDisconnected, Err: err})

		next, ok := h.reconnect(ctx)
		if !ok {
			return
		}
		session = next
	}
}

func (h *Handle) reconnect(ctx context.Context) (*mcp.ClientSession, bool) {
	delay := h.opts.ReconnectDelay
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
		}
		if !h.setPhaseUnlessClosed(PhaseConnecting) {
			return nil, false
		}
		session, err := h.establish(ctx)
		if err == nil {
			tools := h.initialTools(ctx, session)
			h.mu.Lock()
			if h.closed {
				h.mu.Unlock()
				_ = session.Close()
				return nil, false
			}
			h.session = session
			h.tools = tools
			h.phase = PhaseConnected
			h.mu.Unlock()
			h.logger.Info("instance session re-established", zap.Int("attempt", attempt), zap.Int("tools", len(tools)))
			h.emit(Event{Kind: EventConnected, Tools: cloneTools(tools)})
			return session, true
		}
		h.setPhaseUnlessClosed(PhaseDisconnected)
		h.logger.Debug("reconnect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
		delay *= 2
		if delay > h.opts.MaxReconnectDelay {
			delay = h.opts.MaxReconnectDelay
		}
		timer.Reset(delay)
	}
}

func (h *Handle) establish(ctx context.Context) (*mcp.ClientSession, error) {
	if h.endpoint == "" {
		return nil, fmt.Errorf("mcpconn: endpoint missing for %q", h.name)
	}
	connectCtx, cancel := withTimeout(ctx, h.opts.ConnectTimeout)
	defer cancel()

	h.tracker.Reset("")
	impl := &mcp.Implementation{Name: h.opts.ClientName, Version: h.opts.ClientVersion}
	logger := h.resolveRPCLogger()
	attempt := func(transport mcp.Transport) (*mcp.ClientSession, error) {
		client := mcp.NewClient(impl, h.clientOptions())
		wrapped := transport
		if logger != nil {
			wrapped = &loggingTransport{instance: h.name, delegate: transport, logger: logger}
		}
		return client.Connect(connectCtx, wrapped, nil)
	}

	httpClient := decorateHTTPClient(h.opts.HTTPClient, h.opts.Headers, h.tracker, h.opts.AuthProvider)

	var streamErr error
	if !shouldPreferSSE(h.endpoint, h.opts.PreferSSE) {
		session, err := attempt(&mcp.StreamableClientTransport{
			Endpoint:   h.endpoint,
			HTTPClient: httpClient,
			MaxRetries: h.opts.MaxRetries,
		})
		if err == nil {
			h.tracker.Set(session.ID())
			return session, nil
		}
		streamErr = err
		if connectCtx.Err() != nil {
			return nil, fmt.Errorf("mcpconn: connect %q: %w", h.name, err)
		}
	}
	session, err := attempt(&mcp.SSEClientTransport{Endpoint: h.endpoint, HTTPClient: httpClient})
	if err != nil {
		if streamErr != nil {
			return nil, fmt.Errorf("mcpconn: connect %q: streamable error: %v; sse error: %w", h.name, streamErr, err)
		}
		return nil, fmt.Errorf("mcpconn: connect %q: %w", h.name, err)
	}
	h.tracker.Set(session.ID())
	return session, nil
}

func (h *Handle) clientOptions() *mcp.ClientOptions {
	return &mcp.ClientOptions{
		KeepAlive: h.opts.KeepAlive,
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			// The handler runs on the session's read loop; listing from here
			// would wait on a response that loop has to deliver.
			go h.refreshTools()
		},
		ProgressNotificationHandler: func(ctx context.Context, req *mcp.ProgressNotificationClientRequest) {
			if h.opts.OnProgress == nil || req == nil || req.Params == nil {
				return
			}
			h.opts.OnProgress(ctx, h.name, req.Params)
		},
	}
}

func (h *Handle) initialTools(ctx context.Context, session *mcp.ClientSession) []*mcp.Tool {
	listCtx, cancel := withTimeout(ctx, h.opts.RequestTimeout)
	defer cancel()
	tools, err := listAllTools(listCtx, session)
	if err != nil {
		h.logger.Warn("list tools failed", zap.Error(err))
		return nil
	}
	return tools
}

func (h *Handle) refreshTools() {
	h.mu.RLock()
	session := h.session
	h.mu.RUnlock()
	if session == nil {
		return
	}
	ctx, cancel := withTimeout(context.Background(), h.opts.RequestTimeout)
	defer cancel()
	tools, err := listAllTools(ctx, session)
	if err != nil {
		h.logger.Warn("refresh tools failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	if h.session != session {
		h.mu.Unlock()
		return
	}
	h.tools = tools
	h.mu.Unlock()
	h.logger.Debug("instance tools changed", zap.Int("tools", len(tools)))
	h.emit(Event{Kind: EventCapabilitiesChanged, Tools: cloneTools(tools)})
}

func listAllTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	var (
		all    []*mcp.Tool
		cursor string
	)
	for page := 0; page < maxToolPages; page++ {
		res, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*mcp.Tool{}, nil
			}
			return nil, err
		}
		for _, tool := range res.Tools {
			if tool != nil {
				all = append(all, tool)
			}
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return all, nil
}

func (h *Handle) emit(ev Event) {
	ev.Instance = h.name
	h.subsMu.Lock()
	handlers := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.subsMu.Unlock()
	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("event subscriber panicked", zap.Any("panic", r), zap.String("event", string(ev.Kind)))
				}
			}()
			fn(ev)
		}()
	}
}

func (h *Handle) setPhaseUnlessClosed(phase Phase) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.phase = phase
	return true
}

func (h *Handle) resolveRPCLogger() RPCLogger {
	if h.opts.RPCLogger != nil {
		return h.opts.RPCLogger
	}
	if !h.opts.LogJSONRPC {
		return nil
	}
	return func(event RPCLogEvent) {
		h.logger.Debug("jsonrpc",
			zap.String("direction", string(event.Direction)),
			zap.ByteString("message", event.Message))
	}
}

func cloneTools(tools []*mcp.Tool) []*mcp.Tool {
	if tools == nil {
		return nil
	}
	out := make([]*mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		clone := *tool
		out = append(out, &clone)
	}
	return out
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
