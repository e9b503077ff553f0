package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

type progressCarrier interface {
	mcp.Params
	GetProgressToken() any
	SetProgressToken(any)
}

// progressTracker routes instance progress notifications back to the
// downstream session whose call caused them. Upstream calls carry a token
// minted by the gateway so callers that reuse tokens cannot collide.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu     sync.RWMutex
	routes map[string]progressRoute

	logger       *zap.Logger
	cleanupGrace time.Duration
}

type progressRoute struct {
	sink       progressSink
	downstream any
	seq        uint64
}

// Progress notifications can trail the tool result slightly.
const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *zap.Logger) *progressTracker {
	return &progressTracker{
		routes:       make(map[string]progressRoute),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// track rewrites the carrier's progress token and remembers where to send
// progress for it. Calls without a downstream token are not tracked.
func (pt *progressTracker) track(instance string, sink progressSink, carrier progressCarrier) func() {
	if carrier == nil || sink == nil {
		return func() {}
	}
	downstream := carrier.GetProgressToken()
	if downstream == nil {
		return func() {}
	}
	if _, ok := normalizeProgressToken(downstream); !ok {
		pt.logger.Warn("progress token unsupported", zap.String("instance", instance), zap.Any("token", downstream))
		return func() {}
	}
	upstream := fmt.Sprintf("mcphub/%s/%d", instance, pt.counter.Add(1))
	ensureProgressMeta(carrier)
	carrier.SetProgressToken(upstream)
	return pt.register(instance, upstream, progressRoute{sink: sink, downstream: downstream})
}

func (pt *progressTracker) register(instance string, token any, route progressRoute) func() {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		return func() {}
	}
	key, ok := progressMapKey(instance, normalized)
	if !ok {
		return func() {}
	}
	route.seq = pt.seq.Add(1)
	pt.mu.Lock()
	pt.routes[key] = route
	pt.mu.Unlock()
	return func() {
		pt.removeLater(key, route.seq)
	}
}

func (pt *progressTracker) removeLater(key string, seq uint64) {
	if pt.cleanupGrace <= 0 {
		pt.removeIfMatch(key, seq)
		return
	}
	time.AfterFunc(pt.cleanupGrace, func() {
		pt.removeIfMatch(key, seq)
	})
}

func (pt *progressTracker) removeIfMatch(key string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.routes[key]; ok && current.seq == seq {
		delete(pt.routes, key)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) lookup(instance string, token any) (progressRoute, bool) {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		return progressRoute{}, false
	}
	key, ok := progressMapKey(instance, normalized)
	if !ok {
		return progressRoute{}, false
	}
	pt.mu.RLock()
	route, ok := pt.routes[key]
	pt.mu.RUnlock()
	return route, ok
}

// forward relays params to the downstream session, restoring the caller's
// own token. Unknown tokens are ignored.
func (pt *progressTracker) forward(ctx context.Context, instance string, params *mcp.ProgressNotificationParams) {
	if params == nil {
		return
	}
	route, ok := pt.lookup(instance, params.ProgressToken)
	if !ok {
		pt.logger.Debug("progress for untracked token", zap.String("instance", instance), zap.Any("token", params.ProgressToken))
		return
	}
	out := *params
	out.ProgressToken = route.downstream
	if err := route.sink.NotifyProgress(ctx, &out); err != nil {
		pt.logger.Warn("forward progress failed", zap.String("instance", instance), zap.Error(err))
	}
}

func progressMapKey(instance string, token any) (string, bool) {
	switch v := token.(type) {
	case string:
		return instance + "|s|" + v, true
	case int64:
		return fmt.Sprintf("%s|i|%d", instance, v), true
	default:
		return "", false
	}
}

func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func ensureProgressMeta(params progressCarrier) {
	if params.GetMeta() == nil {
		params.SetMeta(map[string]any{})
	}
}
