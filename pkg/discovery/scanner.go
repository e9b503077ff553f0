package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcphub/pkg/mcpconn"
	"github.com/vikashloomba/mcphub/pkg/metrics"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultMissThreshold  = 3
	DefaultConnectTimeout = 10 * time.Second
	DefaultCloseTimeout   = 5 * time.Second

	defaultNotifyBuffer  = 256
	defaultNotifyTimeout = 10 * time.Second
)

// Config tunes the scan loop. Zero fields take the package defaults.
type Config struct {
	// Interval is the time between scheduled cycles.
	Interval time.Duration
	// MissThreshold is the number of consecutive failed probes after which a
	// tracked instance is torn down.
	MissThreshold int
	// ConnectTimeout bounds Connect on a freshly created handle.
	ConnectTimeout time.Duration
	// CloseTimeout bounds Close during a threshold teardown.
	CloseTimeout time.Duration
	// NotifyBuffer is the capacity of the catalog notification queue.
	NotifyBuffer int
	// NotifyTimeout bounds a single notifier call.
	NotifyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = DefaultMissThreshold
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.NotifyBuffer <= 0 {
		c.NotifyBuffer = defaultNotifyBuffer
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = defaultNotifyTimeout
	}
	return c
}

// ScannerOptions wires a Scanner. Prober and Factory are required.
type ScannerOptions struct {
	Table    EndpointTable
	Prober   Prober
	Factory  HandleFactory
	Notifier CatalogNotifier
	Config   Config
	Logger   *zap.Logger
	Metrics  *metrics.Discovery
}

// Scanner runs scan cycles against an EndpointTable and owns the registry of
// tracked instances. At most one cycle runs at a time.
type Scanner struct {
	table    EndpointTable
	prober   Prober
	factory  HandleFactory
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Discovery
	registry *registry
	dispatch *dispatcher

	// runMu is held for the whole of a cycle or a shutdown.
	runMu    sync.Mutex
	stopped  bool
	lastScan atomic.Int64
}

// NewScanner validates opts and builds a Scanner.
func NewScanner(opts ScannerOptions) (*Scanner, error) {
	if opts.Prober == nil {
		return nil, errors.New("discovery: prober is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("discovery: handle factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewDiscovery(nil)
	}
	cfg := opts.Config.withDefaults()
	return &Scanner{
		table:    opts.Table,
		prober:   opts.Prober,
		factory:  opts.Factory,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		registry: newRegistry(),
		dispatch: newDispatcher(opts.Notifier, cfg.NotifyBuffer, cfg.NotifyTimeout, logger, m.NotificationsDropped),
	}, nil
}

// Config returns the effective configuration.
func (s *Scanner) Config() Config { return s.cfg }

// Table returns the endpoint table the scanner probes.
func (s *Scanner) Table() EndpointTable { return s.table }

// RunCycle runs one scan cycle and reports whether it completed. It returns
// false without doing anything when another cycle is still in flight or the
// scanner was shut down. A cycle whose ctx ends while probing is abandoned:
// no instance is charged a miss and the last scan time is left unchanged.
func (s *Scanner) RunCycle(ctx context.Context) bool {
	if !s.runMu.TryLock() {
		s.metrics.ScanCyclesTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug("scan skipped, previous cycle still running")
		return false
	}
	defer s.runMu.Unlock()
	if s.stopped {
		s.metrics.ScanCyclesTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug("scan skipped, scanner shut down")
		return false
	}

	start := time.Now()
	logger := s.logger.With(zap.String("cycle", uuid.NewString()))
	if !s.cycle(ctx, logger) {
		s.metrics.ScanCyclesTotal.WithLabelValues("aborted").Inc()
		logger.Debug("scan aborted", zap.Error(ctx.Err()))
		return false
	}
	s.lastScan.Store(time.Now().UnixNano())
	s.metrics.ScanDuration.Observe(time.Since(start).Seconds())
	s.metrics.ScanCyclesTotal.WithLabelValues("completed").Inc()
	return true
}

func (s *Scanner) cycle(ctx context.Context, logger *zap.Logger) bool {
	results := s.probeAll(ctx)
	// Probes cut short by the caller say nothing about presence.
	if ctx.Err() != nil {
		return false
	}

	for _, ep := range s.table.Endpoints() {
		res := results[ep.Name]
		if !res.Confirmed {
			continue
		}
		if s.registry.confirm(ep.Name, res.Capabilities) {
			continue
		}
		s.adopt(ctx, logger, ep, res)
	}

	for _, name := range s.registry.names() {
		if results[name].Confirmed {
			continue
		}
		misses := s.registry.miss(name)
		if misses < s.cfg.MissThreshold {
			logger.Debug("tracked instance missed probe", zap.String("instance", name), zap.Int("misses", misses), zap.Int("threshold", s.cfg.MissThreshold))
			continue
		}
		s.teardown(ctx, logger, name)
	}
	s.metrics.TrackedInstances.Set(float64(s.registry.len()))
	return true
}

func (s *Scanner) probeAll(ctx context.Context) map[string]ProbeResult {
	endpoints := s.table.Endpoints()
	results := make([]ProbeResult, len(endpoints))

	var g errgroup.Group
	for i, ep := range endpoints {
		g.Go(func() error {
			results[i] = s.prober.Probe(ctx, ep)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]ProbeResult, len(endpoints))
	for i, ep := range endpoints {
		out[ep.Name] = results[i]
		if results[i].Confirmed {
			s.metrics.ProbesTotal.WithLabelValues("confirmed").Inc()
		} else {
			s.metrics.ProbesTotal.WithLabelValues("absent").Inc()
		}
	}
	return out
}

// adopt creates and connects a handle for a newly confirmed instance. A
// failed connect leaves nothing behind so the next cycle retries.
func (s *Scanner) adopt(ctx context.Context, logger *zap.Logger, ep Endpoint, res ProbeResult) {
	handle := s.factory(ep)
	if handle == nil {
		logger.Error("handle factory returned nil", zap.String("instance", ep.Name))
		return
	}
	sub := &subscription{}
	sub.release = handle.Subscribe(s.forward(ep, handle, sub))
	unsubscribe := sub.close

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err := handle.Connect(connectCtx)
	cancel()
	if err != nil {
		unsubscribe()
		s.closeHandle(ctx, logger, ep.Name, handle)
		s.metrics.HandleFailuresTotal.WithLabelValues("connect").Inc()
		logger.Warn("instance confirmed but connect failed", zap.String("instance", ep.Name), zap.String("address", ep.Address()), zap.Error(err))
		return
	}

	s.registry.insert(&trackedInstance{
		endpoint:     ep,
		handle:       handle,
		unsubscribe:  unsubscribe,
		capabilities: append([]string(nil), res.Capabilities...),
	})
	logger.Info("instance detected",
		zap.String("instance", ep.Name),
		zap.String("address", ep.Address()),
		zap.String("identity", res.Identity),
		zap.Strings("capabilities", res.Capabilities))
}

func (s *Scanner) teardown(ctx context.Context, logger *zap.Logger, name string) {
	inst, ok := s.registry.get(name)
	if !ok {
		return
	}
	inst.unsubscribe()
	s.closeHandle(ctx, logger, name, inst.handle)
	s.registry.remove(name)
	s.dispatch.emit(notification{kind: notifyRemoved, catalog: InstanceCatalog{Name: name, Address: inst.endpoint.Address()}})
	s.metrics.TeardownsTotal.Inc()
	logger.Info("instance gone", zap.String("instance", name), zap.Int("misses", inst.misses))
}

func (s *Scanner) closeHandle(ctx context.Context, logger *zap.Logger, name string, handle ConnectionHandle) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CloseTimeout)
	defer cancel()
	if err := handle.Close(closeCtx); err != nil {
		s.metrics.HandleFailuresTotal.WithLabelValues("close").Inc()
		logger.Warn("closing instance handle failed", zap.String("instance", name), zap.Error(err))
	}
}

// subscription guards a handle's event forwarder. Once closed, events that
// were already being delivered are dropped, so nothing is queued behind the
// instance's removal.
type subscription struct {
	mu      sync.Mutex
	closed  bool
	release func()
}

func (sub *subscription) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	if sub.release != nil {
		sub.release()
	}
}

// forward translates handle lifecycle events into catalog notifications.
func (s *Scanner) forward(ep Endpoint, handle ConnectionHandle, sub *subscription) func(mcpconn.Event) {
	return func(ev mcpconn.Event) {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.closed {
			return
		}
		catalog := InstanceCatalog{Name: ep.Name, Address: ep.Address(), Tools: ev.Tools, Caller: handle}
		switch ev.Kind {
		case mcpconn.EventConnected:
			s.dispatch.emit(notification{kind: notifyAppeared, catalog: catalog})
		case mcpconn.EventCapabilitiesChanged:
			s.dispatch.emit(notification{kind: notifyChanged, catalog: catalog})
		case mcpconn.EventDisconnected:
			s.logger.Info("instance session dropped", zap.String("instance", ep.Name), zap.Error(ev.Err))
		}
	}
}

// Shutdown waits for any in-flight cycle, closes every tracked handle
// concurrently and clears the registry. Close errors are joined. Later
// cycles are refused.
func (s *Scanner) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.stopped = true

	instances := s.registry.all()
	if len(instances) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, inst := range instances {
		g.Go(func() error {
			inst.unsubscribe()
			if err := inst.handle.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", inst.endpoint.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.registry.clear()
	for _, inst := range instances {
		s.dispatch.emit(notification{kind: notifyRemoved, catalog: InstanceCatalog{Name: inst.endpoint.Name, Address: inst.endpoint.Address()}})
	}
	s.metrics.TrackedInstances.Set(0)
	s.logger.Info("discovery shut down", zap.Int("closed", len(instances)))
	if len(errs) > 0 {
		return fmt.Errorf("discovery: shutdown: %w", errors.Join(errs...))
	}
	return nil
}

// LastScanTime reports when the most recent cycle finished. ok is false
// before the first cycle.
func (s *Scanner) LastScanTime() (time.Time, bool) {
	ns := s.lastScan.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Snapshot returns a copy of every endpoint's current status, sorted by name.
func (s *Scanner) Snapshot() []InstanceStatus {
	return s.registry.snapshot(s.table)
}
