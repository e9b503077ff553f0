package mcpgateway

import (
	"maps"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyInstance   = "mcphub.instance"
	metaKeyNativeName = "mcphub.native_name"
)

// featureIndex maps exposed tool names to the instance tool they forward to.
type featureIndex struct {
	ns NamespaceStrategy

	mu            sync.RWMutex
	tools         map[string]toolTarget
	instanceTools map[string][]string
}

type toolTarget struct {
	GatewayName string
	Instance    string
	NativeName  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

func newFeatureIndex(ns NamespaceStrategy) *featureIndex {
	return &featureIndex{
		ns:            ns,
		tools:         make(map[string]toolTarget),
		instanceTools: make(map[string][]string),
	}
}

// UpdateTools replaces the tool set of instance and returns the exposed names
// to withdraw plus the registrations to add.
func (f *featureIndex) UpdateTools(instance string, upstream []*mcp.Tool) (removed []string, added []toolRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed = f.removeLocked(instance)
	added = make([]toolRegistration, 0, len(upstream))
	names := make([]string, 0, len(upstream))
	for _, tool := range upstream {
		if tool == nil || tool.Name == "" {
			continue
		}
		gatewayName := f.ns.ToolName(instance, tool.Name)
		if _, dup := f.tools[gatewayName]; dup {
			continue
		}
		target := toolTarget{GatewayName: gatewayName, Instance: instance, NativeName: tool.Name}
		f.tools[gatewayName] = target
		added = append(added, toolRegistration{Tool: cloneTool(tool, gatewayName, instance), Target: target})
		names = append(names, gatewayName)
	}
	if len(names) > 0 {
		f.instanceTools[instance] = names
	}
	return removed, added
}

// RemoveInstance drops every tool of instance and returns the exposed names.
func (f *featureIndex) RemoveInstance(instance string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeLocked(instance)
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools[name]
	return t, ok
}

// InstanceTools returns the exposed names for instance in sorted order.
func (f *featureIndex) InstanceTools(instance string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := append([]string(nil), f.instanceTools[instance]...)
	sort.Strings(names)
	return names
}

func (f *featureIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.tools)
}

func (f *featureIndex) removeLocked(instance string) []string {
	names := f.instanceTools[instance]
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		delete(f.tools, name)
	}
	delete(f.instanceTools, instance)
	return append([]string(nil), names...)
}

func cloneTool(tool *mcp.Tool, gatewayName, instance string) *mcp.Tool {
	clone := *tool
	clone.Name = gatewayName
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyInstance:   instance,
		metaKeyNativeName: tool.Name,
	})
	if clone.InputSchema == nil {
		clone.InputSchema = map[string]any{"type": "object"}
	}
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
