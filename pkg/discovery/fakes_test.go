package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcphub/pkg/mcpconn"
)

type fakeHandle struct {
	name string

	mu         sync.Mutex
	phase      mcpconn.Phase
	tools      []*mcp.Tool
	connectErr error
	closeErr   error
	closeGate  chan struct{}
	subs       map[int]func(mcpconn.Event)
	everSubbed []func(mcpconn.Event)
	nextSub    int
	closes     int
}

func (h *fakeHandle) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.connectErr != nil {
		h.phase = mcpconn.PhaseDisconnected
		err := h.connectErr
		h.mu.Unlock()
		return err
	}
	h.phase = mcpconn.PhaseConnected
	tools := append([]*mcp.Tool(nil), h.tools...)
	h.mu.Unlock()
	h.fire(mcpconn.Event{Kind: mcpconn.EventConnected, Instance: h.name, Tools: tools})
	return nil
}

func (h *fakeHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	gate := h.closeGate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	h.phase = mcpconn.PhaseDisconnected
	h.tools = nil
	return h.closeErr
}

func (h *fakeHandle) Phase() mcpconn.Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *fakeHandle) Tools() []*mcp.Tool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*mcp.Tool(nil), h.tools...)
}

func (h *fakeHandle) Subscribe(fn func(mcpconn.Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.everSubbed = append(h.everSubbed, fn)
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *fakeHandle) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: h.name + ":" + params.Name}}}, nil
}

func (h *fakeHandle) setTools(names ...string) {
	tools := makeTools(names...)
	h.mu.Lock()
	h.tools = tools
	h.mu.Unlock()
	h.fire(mcpconn.Event{Kind: mcpconn.EventCapabilitiesChanged, Instance: h.name, Tools: tools})
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *fakeHandle) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *fakeHandle) fire(ev mcpconn.Event) {
	h.mu.Lock()
	fns := make([]func(mcpconn.Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// fireCopied delivers ev to every subscriber ever registered, as a handle does
// when it copied its subscriber list just before an unsubscribe.
func (h *fakeHandle) fireCopied(ev mcpconn.Event) {
	h.mu.Lock()
	fns := append(([]func(mcpconn.Event))(nil), h.everSubbed...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func makeTools(names ...string) []*mcp.Tool {
	tools := make([]*mcp.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, &mcp.Tool{Name: name})
	}
	return tools
}

type handleFactory struct {
	mu         sync.Mutex
	created    map[string][]*fakeHandle
	connectErr map[string]error
	closeErr   error
	closeGate  chan struct{}
	tools      []string
}

func newHandleFactory(tools ...string) *handleFactory {
	return &handleFactory{
		created:    make(map[string][]*fakeHandle),
		connectErr: make(map[string]error),
		tools:      tools,
	}
}

func (f *handleFactory) build(ep Endpoint) ConnectionHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{
		name:       ep.Name,
		phase:      mcpconn.PhaseIdle,
		tools:      makeTools(f.tools...),
		connectErr: f.connectErr[ep.Name],
		closeErr:   f.closeErr,
		closeGate:  f.closeGate,
		subs:       make(map[int]func(mcpconn.Event)),
	}
	f.created[ep.Name] = append(f.created[ep.Name], h)
	return h
}

func (f *handleFactory) failConnect(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.connectErr, name)
		return
	}
	f.connectErr[name] = err
}

func (f *handleFactory) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[name])
}

func (f *handleFactory) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.created {
		n += len(hs)
	}
	return n
}

func (f *handleFactory) latest(name string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.created[name]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// scriptedProber confirms exactly the endpoints marked present.
type scriptedProber struct {
	mu      sync.Mutex
	present map[string][]string
	calls   atomic.Int32
	gate    chan struct{}
	entered chan struct{}
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{present: make(map[string][]string)}
}

func (p *scriptedProber) set(name string, present bool, capabilities ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !present {
		delete(p.present, name)
		return
	}
	if capabilities == nil {
		capabilities = []string{}
	}
	p.present[name] = capabilities
}

func (p *scriptedProber) Probe(ctx context.Context, ep Endpoint) ProbeResult {
	p.calls.Add(1)
	p.mu.Lock()
	gate, entered := p.gate, p.entered
	caps, ok := p.present[ep.Name]
	p.mu.Unlock()
	if gate != nil {
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ProbeResult{}
		}
	}
	if !ok {
		return ProbeResult{}
	}
	return ProbeResult{Confirmed: true, Capabilities: append([]string(nil), caps...), Identity: "acme-" + ep.Name}
}

type recordingNotifier struct {
	mu       sync.Mutex
	events   []string
	catalogs map[string]InstanceCatalog
	fail     bool
	panics   bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{catalogs: make(map[string]InstanceCatalog)}
}

func (n *recordingNotifier) record(kind string, inst InstanceCatalog) error {
	n.mu.Lock()
	n.events = append(n.events, fmt.Sprintf("%s:%s", kind, inst.Name))
	if kind == "removed" {
		delete(n.catalogs, inst.Name)
	} else {
		n.catalogs[inst.Name] = inst
	}
	fail, panics := n.fail, n.panics
	n.mu.Unlock()
	if panics {
		panic("notifier exploded")
	}
	if fail {
		return errors.New("notifier unavailable")
	}
	return nil
}

func (n *recordingNotifier) InstanceAppeared(ctx context.Context, inst InstanceCatalog) error {
	return n.record("appeared", inst)
}

func (n *recordingNotifier) CapabilitiesChanged(ctx context.Context, inst InstanceCatalog) error {
	return n.record("changed", inst)
}

func (n *recordingNotifier) InstanceRemoved(ctx context.Context, name string) error {
	return n.record("removed", InstanceCatalog{Name: name})
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func (n *recordingNotifier) catalog(name string) (InstanceCatalog, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	inst, ok := n.catalogs[name]
	return inst, ok
}
