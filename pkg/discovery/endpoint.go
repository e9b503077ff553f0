package discovery

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// DefaultPath is the MCP endpoint path used when an Endpoint omits one.
const DefaultPath = "/mcp"

// Endpoint is one candidate location for an instance.
type Endpoint struct {
	Name string `json:"name" mapstructure:"name"`
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	Path string `json:"path,omitempty" mapstructure:"path"`
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the HTTP URL of the MCP endpoint.
func (e Endpoint) URL() string {
	path := e.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + e.Address() + path
}

// EndpointTable maps instance names to endpoints. It is immutable once built.
type EndpointTable struct {
	entries map[string]Endpoint
}

// NewEndpointTable validates endpoints and builds a table. Names must be
// unique and no two names may share an address.
func NewEndpointTable(endpoints []Endpoint) (EndpointTable, error) {
	entries := make(map[string]Endpoint, len(endpoints))
	byURL := make(map[string]string, len(endpoints))
	for _, ep := range endpoints {
		if ep.Name == "" {
			return EndpointTable{}, fmt.Errorf("discovery: endpoint name is required")
		}
		if ep.Host == "" {
			return EndpointTable{}, fmt.Errorf("discovery: host missing for %q", ep.Name)
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return EndpointTable{}, fmt.Errorf("discovery: invalid port %d for %q", ep.Port, ep.Name)
		}
		if _, dup := entries[ep.Name]; dup {
			return EndpointTable{}, fmt.Errorf("discovery: duplicate endpoint name %q", ep.Name)
		}
		if other, dup := byURL[ep.URL()]; dup {
			return EndpointTable{}, fmt.Errorf("discovery: %q and %q share address %s", other, ep.Name, ep.URL())
		}
		entries[ep.Name] = ep
		byURL[ep.URL()] = ep.Name
	}
	return EndpointTable{entries: entries}, nil
}

// GenerateEndpoints builds count endpoints named prefix-1..prefix-count on
// consecutive ports starting at basePort.
func GenerateEndpoints(prefix, host string, basePort, count int, path string) []Endpoint {
	if count <= 0 {
		return nil
	}
	out := make([]Endpoint, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, Endpoint{
			Name: fmt.Sprintf("%s-%d", prefix, i+1),
			Host: host,
			Port: basePort + i,
			Path: path,
		})
	}
	return out
}

// Len returns the number of entries.
func (t EndpointTable) Len() int { return len(t.entries) }

// Lookup returns the endpoint registered under name.
func (t EndpointTable) Lookup(name string) (Endpoint, bool) {
	ep, ok := t.entries[name]
	return ep, ok
}

// Names returns the instance names in sorted order.
func (t EndpointTable) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Endpoints returns every entry sorted by name.
func (t EndpointTable) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(t.entries))
	for _, name := range t.Names() {
		out = append(out, t.entries[name])
	}
	return out
}

// Filter restricts the table to the named subset. Unknown names are ignored
// and an empty filter keeps every entry.
func (t EndpointTable) Filter(names []string) EndpointTable {
	if len(names) == 0 {
		return t
	}
	entries := make(map[string]Endpoint, len(names))
	for _, name := range names {
		if ep, ok := t.entries[strings.TrimSpace(name)]; ok {
			entries[ep.Name] = ep
		}
	}
	return EndpointTable{entries: entries}
}
