// Package realtime implements the coordinator: the top-level session owner
// that fans connect commands out to every endpoint, drains the inbound
// message queue, maintains the data cache and merges per-stream state into
// the unified context consumed by the UI layer.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/athenalab/realtime/internal/cache"
	"github.com/athenalab/realtime/internal/connection"
	"github.com/athenalab/realtime/internal/model"
	"github.com/athenalab/realtime/internal/queue"
)

// Config holds coordinator timing and bounds.
type Config struct {
	WatchdogInterval time.Duration // Reconnection watchdog cadence
	DrainInterval    time.Duration // Queue drain cadence
	CacheTTL         time.Duration // Per-stream cache entry lifetime
	DiagnosticsLimit int           // Bounded diagnostic history
	ShutdownTimeout  time.Duration // Grace period for pool shutdown
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WatchdogInterval: 10 * time.Second,
		DrainInterval:    100 * time.Millisecond,
		CacheTTL:         10 * time.Minute,
		DiagnosticsLimit: 100,
		ShutdownTimeout:  5 * time.Second,
	}
}

// Coordinator owns the realtime session. Construct once at startup and
// pass by handle; there is no ambient global instance.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	manager connection.Manager
	queue   *queue.Queue
	cache   *cache.Cache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	initialized   bool
	sessionID     string
	current       map[model.Endpoint]any
	endpointStats map[model.Endpoint]json.RawMessage
	unified       model.UnifiedContext
	diags         []model.Diagnostic
	lastDropped   uint64
	lastStatus    connection.Status

	streamHubs map[model.Endpoint]*hub[StreamUpdate]
	unifiedHub *hub[model.UnifiedContext]
	statusHub  *hub[connection.Status]
}

// New creates a coordinator over an existing pool, queue and cache.
func New(cfg Config, mgr connection.Manager, q *queue.Queue, ca *cache.Cache, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:           cfg,
		logger:        logger,
		manager:       mgr,
		queue:         q,
		cache:         ca,
		current:       make(map[model.Endpoint]any),
		endpointStats: make(map[model.Endpoint]json.RawMessage),
		lastStatus:    connection.StatusDisconnected,
	}
	c.resetHubs()
	return c
}

func (c *Coordinator) resetHubs() {
	c.streamHubs = make(map[model.Endpoint]*hub[StreamUpdate])
	for _, ep := range model.AllEndpoints() {
		c.streamHubs[ep] = newHub[StreamUpdate]()
	}
	c.unifiedHub = newHub[model.UnifiedContext]()
	c.statusHub = newHub[connection.Status]()
}

// Initialize generates a fresh session, connects every endpoint
// concurrently, announces the session on each connected endpoint, and
// starts the drain loop and reconnection watchdog. Idempotent: a second
// call while initialized is a no-op.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = true
	c.sessionID = uuid.NewString()
	sid := c.sessionID
	c.resetHubs()
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.manager.SetSessionID(sid)
	if err := c.manager.Start(c.ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	c.logger.Info("initializing realtime session", "session_id", sid)

	// Fan out: endpoints connect independently; one failing or timing out
	// must not block the others.
	var g errgroup.Group
	for _, ep := range model.AllEndpoints() {
		ep := ep
		g.Go(func() error {
			if !c.manager.Connect(ctx, ep) {
				c.logger.Warn("endpoint unavailable at initialize", "endpoint", ep)
				return nil
			}
			init := model.NewControl(model.TypeInitialize, sid, nil)
			if err := c.manager.SendMessage(init, ep); err != nil {
				c.logger.Warn("initialize message failed", "endpoint", ep, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	c.wg.Add(2)
	go c.drainLoop()
	go c.watchdogLoop()

	c.publishStatus()

	c.logger.Info("realtime session initialized",
		"session_id", sid,
		"connected", len(c.manager.ConnectedEndpoints()),
		"status", c.manager.Status(),
	)
	return nil
}

// Shutdown cancels the watchdog and drain loop, disconnects all endpoints
// and clears the queue and cache. Safe to call multiple times; leaves no
// background activity running.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = false
	c.mu.Unlock()

	c.logger.Info("shutting down realtime session")

	c.cancel()
	c.wg.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer stopCancel()
	c.manager.Stop(stopCtx)

	c.queue.Clear()
	c.cache.Clear()

	c.mu.Lock()
	c.current = make(map[model.Endpoint]any)
	c.endpointStats = make(map[model.Endpoint]json.RawMessage)
	c.unified = model.UnifiedContext{}
	streams := c.streamHubs
	unified, status := c.unifiedHub, c.statusHub
	c.mu.Unlock()

	for _, h := range streams {
		h.close()
	}
	unified.close()
	status.close()
}

// RefreshData requests a fresh snapshot from every endpoint.
func (c *Coordinator) RefreshData() {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	c.manager.Broadcast(model.NewControl(model.TypeRefresh, sid, nil))
}

// SendMessage stamps the session id and timestamp and sends on the
// endpoint's connection.
func (c *Coordinator) SendMessage(msg model.Message, endpoint model.Endpoint) error {
	c.mu.Lock()
	if msg.SessionID == "" {
		msg.SessionID = c.sessionID
	}
	c.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return c.manager.SendMessage(msg, endpoint)
}

// SessionID returns the current session identifier.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Status returns the aggregate connection rollup.
func (c *Coordinator) Status() connection.Status {
	return c.manager.Status()
}

// SetNetworkAvailable forwards the host's network path signal to the pool.
func (c *Coordinator) SetNetworkAvailable(available bool) {
	c.manager.SetNetworkAvailable(available)
}

// Health returns the pool-wide health snapshot.
func (c *Coordinator) Health() connection.ConnectionHealth {
	return c.manager.Health()
}

// Bandwidth returns the latest bandwidth accounting snapshot.
func (c *Coordinator) Bandwidth() connection.BandwidthMetrics {
	return c.manager.Bandwidth()
}

// UnifiedContext returns the current merged snapshot.
func (c *Coordinator) UnifiedContext() model.UnifiedContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unified
}

// Diagnostics returns a copy of the bounded diagnostic history, newest
// last.
func (c *Coordinator) Diagnostics() []model.Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Diagnostic, len(c.diags))
	copy(out, c.diags)
	return out
}

// EndpointStats returns the latest status payload reported by each
// endpoint, keyed by the endpoint that sent it.
func (c *Coordinator) EndpointStats() map[model.Endpoint]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[model.Endpoint]json.RawMessage, len(c.endpointStats))
	for ep, data := range c.endpointStats {
		out[ep] = data
	}
	return out
}

// SubscribeStream returns a handle receiving the endpoint's latest decoded
// value plus all subsequent updates.
func (c *Coordinator) SubscribeStream(endpoint model.Endpoint) *Subscription[StreamUpdate] {
	c.mu.Lock()
	h := c.streamHubs[endpoint]
	var latest *StreamUpdate
	if v, ok := c.current[endpoint]; ok {
		latest = &StreamUpdate{Endpoint: endpoint, Value: v, At: time.Now()}
	}
	c.mu.Unlock()
	if h == nil {
		h = newHub[StreamUpdate]()
	}
	return h.subscribe(latest)
}

// SubscribeUnified returns a handle receiving unified context updates.
func (c *Coordinator) SubscribeUnified() *Subscription[model.UnifiedContext] {
	c.mu.Lock()
	h := c.unifiedHub
	var latest *model.UnifiedContext
	if !c.unified.UpdatedAt.IsZero() {
		u := c.unified
		latest = &u
	}
	c.mu.Unlock()
	return h.subscribe(latest)
}

// SubscribeStatus returns a handle receiving aggregate status transitions.
func (c *Coordinator) SubscribeStatus() *Subscription[connection.Status] {
	c.mu.Lock()
	h := c.statusHub
	latest := c.lastStatus
	c.mu.Unlock()
	return h.subscribe(&latest)
}

// Events returns the sink the pool should deliver lifecycle events to.
func (c *Coordinator) Events() connection.EventSink {
	return coordinatorSink{c}
}

// coordinatorSink adapts the coordinator to the pool's event interface.
type coordinatorSink struct{ c *Coordinator }

func (s coordinatorSink) OnMessage(model.Endpoint, model.Message) {
	// Inbound data arrives through the message queue; nothing to do here.
}

func (s coordinatorSink) OnConnect(endpoint model.Endpoint) {
	s.c.logger.Debug("endpoint connected", "endpoint", endpoint)
	s.c.publishStatus()
}

func (s coordinatorSink) OnDisconnect(endpoint model.Endpoint, reason error) {
	if reason != nil {
		s.c.recordDiagnostic(endpoint, model.DiagConnection, reason.Error())
	}
	s.c.publishStatus()
}

// drainLoop dequeues inbound messages on a short fixed interval and
// dispatches them by type.
func (c *Coordinator) drainLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.drainOnce()
		}
	}
}

// drainOnce empties the queue and folds in any overflow since last cycle.
func (c *Coordinator) drainOnce() {
	for {
		item, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		c.dispatch(item)
	}

	if dropped := c.queue.Dropped(); dropped > c.lastDropped {
		delta := dropped - c.lastDropped
		c.lastDropped = dropped
		c.recordDiagnostic("", model.DiagQueueOverflow,
			fmt.Sprintf("%d message(s) dropped by queue overflow", delta))
	}

	c.publishStatus()
}

// dispatch routes one queued message by its type tag.
func (c *Coordinator) dispatch(item queue.Item) {
	switch item.Msg.Type {
	case model.TypeDataUpdate:
		c.handleDataUpdate(item)

	case model.TypeError:
		c.recordDiagnostic(item.Endpoint, model.DiagBackendError, string(item.Msg.Data))

	case model.TypePing:
		// Echo the payload back so the peer can attribute the reply.
		c.mu.Lock()
		sid := c.sessionID
		c.mu.Unlock()
		pong := model.NewControl(model.TypePong, sid, item.Msg.Data)
		if err := c.manager.SendMessage(pong, item.Endpoint); err != nil {
			c.logger.Debug("pong reply failed", "endpoint", item.Endpoint, "error", err)
		}

	case model.TypeStatus:
		c.mu.Lock()
		c.endpointStats[item.Endpoint] = item.Msg.Data
		c.mu.Unlock()

	default:
		c.logger.Debug("discarding unrecognized message",
			"endpoint", item.Endpoint,
			"type", item.Msg.Type,
		)
	}
}

// handleDataUpdate decodes the payload into the endpoint's schema, stores
// it, and recomputes the unified context. A decode failure leaves the
// cache untouched and processing continues with the next message.
func (c *Coordinator) handleDataUpdate(item queue.Item) {
	value, err := model.DecodePayload(item.Endpoint, item.Msg.Data)
	if err != nil {
		c.logger.Warn("data_update decode failed",
			"endpoint", item.Endpoint,
			"error", err,
		)
		c.recordDiagnostic(item.Endpoint, model.DiagDecodeError, err.Error())
		return
	}

	c.cache.Store(streamKey(item.Endpoint), value, c.cfg.CacheTTL)

	c.mu.Lock()
	c.current[item.Endpoint] = value
	sh := c.streamHubs[item.Endpoint]
	uh := c.unifiedHub
	c.mu.Unlock()

	unified := c.mergeUnified()
	sh.publish(StreamUpdate{
		Endpoint: item.Endpoint,
		Value:    value,
		At:       item.ReceivedAt,
	})
	uh.publish(unified)
}

// mergeUnified rebuilds the unified context from the latest cached value
// of each stream. Best-effort: streams with no live cache entry are
// simply omitted.
func (c *Coordinator) mergeUnified() model.UnifiedContext {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()

	u := model.UnifiedContext{
		SessionID: sid,
		UpdatedAt: time.Now().UTC(),
	}
	for _, ep := range model.AllEndpoints() {
		v := c.cache.Retrieve(streamKey(ep))
		if v == nil {
			continue
		}
		switch ep {
		case model.EndpointGraph:
			u.Graph, _ = v.(*model.GraphSnapshot)
		case model.EndpointAgents:
			u.Agents, _ = v.(*model.AgentsSnapshot)
		case model.EndpointAnalytics:
			u.Analytics, _ = v.(*model.AnalyticsSnapshot)
		case model.EndpointContext:
			u.Context, _ = v.(*model.ContextSnapshot)
		case model.EndpointFlashAttention:
			u.FlashAttention, _ = v.(*model.FlashAttentionSnapshot)
		}
	}

	c.mu.Lock()
	c.unified = u
	c.mu.Unlock()
	return u
}

// watchdogLoop compares the connected endpoint count to the expected total
// and issues targeted reconnects for any missing endpoint.
func (c *Coordinator) watchdogLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.watchdogOnce()
		}
	}
}

// watchdogOnce issues one round of targeted reconnects.
func (c *Coordinator) watchdogOnce() {
	connected := make(map[model.Endpoint]bool)
	for _, ep := range c.manager.ConnectedEndpoints() {
		connected[ep] = true
	}
	if len(connected) == len(model.AllEndpoints()) {
		return
	}

	for _, ep := range model.AllEndpoints() {
		if connected[ep] {
			continue
		}
		c.logger.Info("watchdog reconnecting endpoint", "endpoint", ep)
		c.manager.Connect(c.ctx, ep)
	}
}

// recordDiagnostic appends to the bounded history, trimming the oldest.
func (c *Coordinator) recordDiagnostic(endpoint model.Endpoint, kind, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.diags = append(c.diags, model.Diagnostic{
		At:       time.Now().UTC(),
		Endpoint: endpoint,
		Kind:     kind,
		Detail:   detail,
	})
	if limit := c.cfg.DiagnosticsLimit; limit > 0 && len(c.diags) > limit {
		c.diags = c.diags[len(c.diags)-limit:]
	}
}

// publishStatus pushes the rollup to subscribers when it changes.
func (c *Coordinator) publishStatus() {
	status := c.manager.Status()

	c.mu.Lock()
	changed := status != c.lastStatus
	c.lastStatus = status
	h := c.statusHub
	c.mu.Unlock()

	if changed {
		c.logger.Info("connection status changed", "status", status)
		h.publish(status)
	}
}

func streamKey(endpoint model.Endpoint) string {
	return "stream:" + string(endpoint)
}
