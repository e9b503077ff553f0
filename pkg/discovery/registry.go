package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcphub/pkg/mcpconn"
)

// ConnectionHandle is the part of a connection the discovery core depends
// on. *mcpconn.Handle satisfies it.
type ConnectionHandle interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Phase() mcpconn.Phase
	Tools() []*mcp.Tool
	Subscribe(fn func(mcpconn.Event)) func()
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
}

// HandleFactory builds an unconnected handle for an endpoint.
type HandleFactory func(ep Endpoint) ConnectionHandle

// MCPHandleFactory returns a factory producing *mcpconn.Handle values that
// share opts.
func MCPHandleFactory(opts *mcpconn.Options) HandleFactory {
	return func(ep Endpoint) ConnectionHandle {
		return mcpconn.New(ep.Name, ep.URL(), opts)
	}
}

// Status is the externally reported state of an endpoint.
type Status string

const (
	StatusNotDetected  Status = "not_detected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

func statusFromPhase(phase mcpconn.Phase) Status {
	switch phase {
	case mcpconn.PhaseConnected:
		return StatusConnected
	case mcpconn.PhaseDisconnected:
		return StatusDisconnected
	default:
		return StatusConnecting
	}
}

// InstanceStatus is one row of a snapshot. Values are copies and never alias
// live state.
type InstanceStatus struct {
	Name              string   `json:"name"`
	Address           string   `json:"address"`
	Status            Status   `json:"status"`
	Capabilities      []string `json:"capabilities"`
	ConsecutiveMisses int      `json:"consecutive_misses"`
}

type trackedInstance struct {
	endpoint     Endpoint
	handle       ConnectionHandle
	unsubscribe  func()
	misses       int
	capabilities []string
}

// registry holds the tracked instances. Only the scan cycle mutates it;
// snapshot readers take the read lock.
type registry struct {
	mu        sync.RWMutex
	instances map[string]*trackedInstance
}

func newRegistry() *registry {
	return &registry{instances: make(map[string]*trackedInstance)}
}

func (r *registry) insert(inst *trackedInstance) {
	r.mu.Lock()
	r.instances[inst.endpoint.Name] = inst
	r.mu.Unlock()
}

// confirm resets the miss counter of a tracked instance and records the
// capabilities seen by the probe. It reports false when name is untracked.
func (r *registry) confirm(name string, capabilities []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return false
	}
	inst.misses = 0
	inst.capabilities = append([]string(nil), capabilities...)
	return true
}

// miss increments and returns the miss counter of name.
func (r *registry) miss(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return 0
	}
	inst.misses++
	return inst.misses
}

func (r *registry) get(name string) (*trackedInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

func (r *registry) remove(name string) {
	r.mu.Lock()
	delete(r.instances, name)
	r.mu.Unlock()
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *registry) all() []*trackedInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*trackedInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

func (r *registry) clear() {
	r.mu.Lock()
	r.instances = make(map[string]*trackedInstance)
	r.mu.Unlock()
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// snapshot reports every endpoint of table, tracked or not.
func (r *registry) snapshot(table EndpointTable) []InstanceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InstanceStatus, 0, table.Len())
	for _, ep := range table.Endpoints() {
		row := InstanceStatus{
			Name:         ep.Name,
			Address:      ep.Address(),
			Status:       StatusNotDetected,
			Capabilities: []string{},
		}
		if inst, ok := r.instances[ep.Name]; ok {
			row.Status = statusFromPhase(inst.handle.Phase())
			row.ConsecutiveMisses = inst.misses
			if names := toolNames(inst.handle.Tools()); len(names) > 0 {
				row.Capabilities = names
			} else {
				row.Capabilities = append(row.Capabilities, inst.capabilities...)
			}
		}
		out = append(out, row)
	}
	return out
}

func toolNames(tools []*mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		if tool != nil && tool.Name != "" {
			names = append(names, tool.Name)
		}
	}
	return names
}
