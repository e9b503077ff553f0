package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ToolCaller invokes a tool on one instance.
type ToolCaller interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
}

// InstanceCatalog describes the tools an instance currently offers.
type InstanceCatalog struct {
	Name    string
	Address string
	Tools   []*mcp.Tool
	Caller  ToolCaller
}

// CatalogNotifier is told about catalog changes. Calls happen on a single
// background goroutine in emission order. Returned errors are logged and
// otherwise ignored.
type CatalogNotifier interface {
	InstanceAppeared(ctx context.Context, inst InstanceCatalog) error
	CapabilitiesChanged(ctx context.Context, inst InstanceCatalog) error
	InstanceRemoved(ctx context.Context, name string) error
}

type notificationKind int

const (
	notifyAppeared notificationKind = iota
	notifyChanged
	notifyRemoved
)

func (k notificationKind) String() string {
	switch k {
	case notifyAppeared:
		return "appeared"
	case notifyChanged:
		return "capabilities_changed"
	case notifyRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type notification struct {
	kind    notificationKind
	catalog InstanceCatalog
}

// dispatcher hands notifications to the notifier without blocking the
// emitter. A full queue drops the notification.
type dispatcher struct {
	notifier CatalogNotifier
	queue    chan notification
	timeout  time.Duration
	logger   *zap.Logger
	dropped  prometheus.Counter
	once     sync.Once
}

func newDispatcher(notifier CatalogNotifier, size int, timeout time.Duration, logger *zap.Logger, dropped prometheus.Counter) *dispatcher {
	return &dispatcher{
		notifier: notifier,
		queue:    make(chan notification, size),
		timeout:  timeout,
		logger:   logger,
		dropped:  dropped,
	}
}

func (d *dispatcher) emit(n notification) {
	if d == nil || d.notifier == nil {
		return
	}
	d.once.Do(func() { go d.run() })
	select {
	case d.queue <- n:
	default:
		d.dropped.Inc()
		d.logger.Warn("catalog notification dropped", zap.String("instance", n.catalog.Name), zap.Stringer("kind", n.kind))
	}
}

func (d *dispatcher) run() {
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *dispatcher) deliver(n notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("catalog notifier panicked", zap.String("instance", n.catalog.Name), zap.Stringer("kind", n.kind), zap.Any("panic", r))
		}
	}()

	var err error
	switch n.kind {
	case notifyAppeared:
		err = d.notifier.InstanceAppeared(ctx, n.catalog)
	case notifyChanged:
		err = d.notifier.CapabilitiesChanged(ctx, n.catalog)
	case notifyRemoved:
		err = d.notifier.InstanceRemoved(ctx, n.catalog.Name)
	default:
		err = fmt.Errorf("unknown notification kind %d", n.kind)
	}
	if err != nil {
		d.logger.Warn("catalog notifier failed", zap.String("instance", n.catalog.Name), zap.Stringer("kind", n.kind), zap.Error(err))
	}
}
