package connection

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/athenalab/realtime/internal/model"
	"github.com/athenalab/realtime/internal/queue"
)

// Manager owns the set of socket connections keyed by logical endpoint and
// drives their connect/disconnect/reconnect lifecycle, periodic health
// checks and bandwidth accounting. All mutation of connection records goes
// through the manager; consumers observe snapshots.
type Manager interface {
	// Start launches the health-check and bandwidth-accounting loops.
	Start(ctx context.Context) error

	// Stop disconnects everything and waits for loops to finish. Safe to
	// call more than once.
	Stop(ctx context.Context) error

	// Connect establishes a connection for the endpoint. No-op returning
	// true when a healthy connection already exists. Returns false for
	// endpoints that exhausted their reconnection budget (an explicit
	// Reconnect resets them) and while the network path is unavailable.
	Connect(ctx context.Context, endpoint model.Endpoint) bool

	// Disconnect tears down the endpoint's connection. No-op when already
	// disconnected.
	Disconnect(endpoint model.Endpoint)

	// DisconnectAll tears down every connection.
	DisconnectAll()

	// Reconnect resets the endpoint's attempt counter and dials a fresh
	// connection instance.
	Reconnect(ctx context.Context, endpoint model.Endpoint) bool

	// ReconnectAll re-establishes every previously active endpoint.
	ReconnectAll(ctx context.Context)

	// SendMessage sends on the endpoint's connection. Apart from
	// ErrUnknownEndpoint for an invalid endpoint, callers only ever see
	// ErrNotConnected; the message is buffered and transport failures are
	// handled internally by the reconnect path.
	SendMessage(msg model.Message, endpoint model.Endpoint) error

	// Broadcast sends the message to every endpoint with a connection
	// record; per-endpoint failures are logged, not returned.
	Broadcast(msg model.Message)

	// Status returns the aggregate three-state rollup.
	Status() Status

	// Health returns the pool-wide health snapshot.
	Health() ConnectionHealth

	// Bandwidth returns the most recent bandwidth accounting snapshot.
	Bandwidth() BandwidthMetrics

	// ConnectedEndpoints lists endpoints with a live connection.
	ConnectedEndpoints() []model.Endpoint

	// SetSessionID sets the session stamp for keep-alive pings on
	// connections dialed from now on.
	SetSessionID(id string)

	// SetNetworkAvailable feeds the external network-path signal. While
	// unavailable the overall status is forced to disconnected; the
	// unavailable-to-available transition triggers one ReconnectAll.
	SetNetworkAvailable(available bool)

	// ObserveNetwork consumes availability transitions from an external
	// observer until the manager stops.
	ObserveNetwork(obs NetworkObserver)
}

// NetworkObserver delivers OS-level network path availability transitions.
type NetworkObserver interface {
	Changes() <-chan bool
}

// connState is the per-endpoint mutable record. Owned exclusively by the
// manager; never shared. Connection instances are recreated on every
// reconnect, with the outbound buffer carried over.
type connState struct {
	endpoint           model.Endpoint
	client             Client
	connected          bool
	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
	attempts           int
	exhausted          bool
	reconnecting       bool
	dialing            bool
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	queue  *queue.Queue
	events EventSink
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	conns        map[model.Endpoint]*connState
	sessionID    string
	netAvailable bool
	stopped      bool
	bandwidth    BandwidthMetrics

	// newClient is swappable in tests to emit synthetic events without a
	// real socket.
	newClient func(ClientConfig, *slog.Logger) Client
}

// NewManager creates a connection pool manager. Inbound envelopes are
// pushed onto q; lifecycle events go to events (nil for none).
func NewManager(cfg ManagerConfig, q *queue.Queue, events EventSink, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = NopSink{}
	}
	return &manager{
		cfg:          cfg,
		queue:        q,
		events:       events,
		logger:       logger,
		conns:        make(map[model.Endpoint]*connState),
		netAvailable: true,
		newClient:    NewClient,
	}
}

// Start launches the periodic loops.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = false
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(2)
	go m.healthLoop()
	go m.bandwidthLoop()

	m.logger.Info("connection manager started",
		"base_url", m.cfg.BaseURL,
		"endpoints", len(model.AllEndpoints()),
	)
	return nil
}

// Stop disconnects everything and waits for goroutines with a timeout.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.logger.Info("stopping connection manager")

	if m.cancel != nil {
		m.cancel()
	}

	m.DisconnectAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// Connect establishes a connection for the endpoint (idempotent).
func (m *manager) Connect(ctx context.Context, endpoint model.Endpoint) bool {
	if !endpoint.Valid() {
		m.logger.Error("connect rejected", "endpoint", endpoint, "error", ErrUnknownEndpoint)
		return false
	}

	m.mu.Lock()
	cs := m.ensureStateLocked(endpoint)
	if cs.connected && cs.client != nil && cs.client.IsConnected() {
		m.mu.Unlock()
		return true
	}
	if cs.exhausted {
		m.mu.Unlock()
		m.logger.Debug("connect skipped, endpoint degraded", "endpoint", endpoint)
		return false
	}
	if cs.reconnecting || cs.dialing || !m.netAvailable {
		m.mu.Unlock()
		return false
	}
	cs.dialing = true
	m.mu.Unlock()

	ok := m.dial(ctx, endpoint)

	m.mu.Lock()
	cs.dialing = false
	m.mu.Unlock()

	if ok {
		return true
	}

	// Failed first attempt: hand over to the backoff path.
	m.wg.Add(1)
	go m.reconnectLoop(endpoint)
	return false
}

// Disconnect tears down the endpoint's connection. Idempotent.
func (m *manager) Disconnect(endpoint model.Endpoint) {
	m.mu.Lock()
	cs := m.conns[endpoint]
	var cl Client
	if cs != nil {
		cl = cs.client
	}
	m.mu.Unlock()

	if cl == nil {
		return
	}

	m.markDisconnected(endpoint, nil)
	cl.Disconnect()
}

// DisconnectAll tears down every connection.
func (m *manager) DisconnectAll() {
	for _, ep := range model.AllEndpoints() {
		m.Disconnect(ep)
	}
}

// Reconnect resets the endpoint's backoff budget and dials fresh.
func (m *manager) Reconnect(ctx context.Context, endpoint model.Endpoint) bool {
	if !endpoint.Valid() {
		return false
	}

	m.mu.Lock()
	cs := m.ensureStateLocked(endpoint)
	cs.attempts = 0
	cs.exhausted = false
	m.mu.Unlock()

	m.Disconnect(endpoint)
	return m.dial(ctx, endpoint)
}

// ReconnectAll re-establishes every endpoint that has a connection record.
func (m *manager) ReconnectAll(ctx context.Context) {
	m.mu.Lock()
	endpoints := make([]model.Endpoint, 0, len(m.conns))
	for ep := range m.conns {
		endpoints = append(endpoints, ep)
	}
	m.mu.Unlock()

	m.logger.Info("reconnecting all endpoints", "count", len(endpoints))
	for _, ep := range endpoints {
		m.Reconnect(ctx, ep)
	}
}

// SendMessage sends on the endpoint's connection. An endpoint without a
// connection instance gets one so the outbound buffer still accumulates;
// the first dial carries it over.
func (m *manager) SendMessage(msg model.Message, endpoint model.Endpoint) error {
	if !endpoint.Valid() {
		return ErrUnknownEndpoint
	}

	m.mu.Lock()
	cs := m.conns[endpoint]
	var cl Client
	if cs != nil {
		cl = cs.client
	}
	m.mu.Unlock()

	if cl == nil {
		cfg := m.clientConfig(endpoint)
		m.mu.Lock()
		cs = m.ensureStateLocked(endpoint)
		if cs.client == nil {
			cs.client = m.newClient(cfg, m.logger.With("endpoint", endpoint))
		}
		cl = cs.client
		m.mu.Unlock()
	}

	return cl.Send(msg)
}

// Broadcast sends the message to every endpoint.
func (m *manager) Broadcast(msg model.Message) {
	m.mu.Lock()
	clients := make(map[model.Endpoint]Client, len(m.conns))
	for ep, cs := range m.conns {
		if cs.client != nil {
			clients[ep] = cs.client
		}
	}
	m.mu.Unlock()

	for ep, cl := range clients {
		if err := cl.Send(msg); err != nil {
			m.logger.Debug("broadcast send failed", "endpoint", ep, "error", err)
		}
	}
}

// Status derives the authoritative three-state rollup.
func (m *manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *manager) statusLocked() Status {
	if !m.netAvailable {
		return StatusDisconnected
	}
	connected := 0
	for _, cs := range m.conns {
		if cs.connected {
			connected++
		}
	}
	switch {
	case connected == 0:
		return StatusDisconnected
	case connected == len(model.AllEndpoints()):
		return StatusConnected
	default:
		return StatusDegraded
	}
}

// Health recomputes the pool-wide health snapshot.
func (m *manager) Health() ConnectionHealth {
	m.mu.Lock()
	clients := make([]Client, 0, len(m.conns))
	total := len(m.conns)
	for _, cs := range m.conns {
		if cs.client != nil {
			clients = append(clients, cs.client)
		}
	}
	m.mu.Unlock()

	var (
		healthy    int
		latencySum time.Duration
		throughput float64
	)
	for _, cl := range clients {
		h := cl.CheckHealth()
		if h.Healthy {
			healthy++
			latencySum += h.Latency
		}
		throughput += h.Throughput
	}

	agg := ConnectionHealth{
		HealthyConnections: healthy,
		TotalConnections:   total,
		Throughput:         throughput,
	}
	if healthy > 0 {
		agg.AverageLatency = latencySum / time.Duration(healthy)
	}
	return agg
}

// Bandwidth returns the latest accounting snapshot.
func (m *manager) Bandwidth() BandwidthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bandwidth
}

// ConnectedEndpoints lists endpoints with a live connection.
func (m *manager) ConnectedEndpoints() []model.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Endpoint, 0, len(m.conns))
	for _, ep := range model.AllEndpoints() {
		if cs := m.conns[ep]; cs != nil && cs.connected {
			out = append(out, ep)
		}
	}
	return out
}

// SetSessionID sets the session stamp for future connections.
func (m *manager) SetSessionID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = id
}

// SetNetworkAvailable feeds the external network-path signal.
func (m *manager) SetNetworkAvailable(available bool) {
	m.mu.Lock()
	was := m.netAvailable
	m.netAvailable = available
	ctx := m.ctx
	m.mu.Unlock()

	if was == available {
		return
	}

	if available {
		m.logger.Info("network path available, reconnecting all endpoints")
		if ctx == nil {
			ctx = context.Background()
		}
		go m.ReconnectAll(ctx)
	} else {
		m.logger.Warn("network path unavailable, status forced to disconnected")
	}
}

// ObserveNetwork consumes availability transitions until shutdown. Safe
// to call before Start; the goroutine then runs until the observer's
// channel closes.
func (m *manager) ObserveNetwork(obs NetworkObserver) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case available, ok := <-obs.Changes():
				if !ok {
					return
				}
				m.SetNetworkAvailable(available)
			}
		}
	}()
}

// ensureStateLocked returns the endpoint's record, creating it on first
// use. Caller holds m.mu.
func (m *manager) ensureStateLocked(endpoint model.Endpoint) *connState {
	cs := m.conns[endpoint]
	if cs == nil {
		cs = &connState{endpoint: endpoint}
		m.conns[endpoint] = cs
	}
	return cs
}

// clientConfig builds the per-connection config for an endpoint.
func (m *manager) clientConfig(endpoint model.Endpoint) ClientConfig {
	m.mu.Lock()
	session := m.sessionID
	m.mu.Unlock()

	return ClientConfig{
		URL:                strings.TrimRight(m.cfg.BaseURL, "/") + endpoint.Path(),
		SessionID:          session,
		PingInterval:       m.cfg.PingInterval,
		PingTimeout:        m.cfg.PingTimeout,
		WriteTimeout:       m.cfg.WriteTimeout,
		BufferSize:         m.cfg.ClientBufferSize,
		OutboundBufferSize: m.cfg.OutboundBufferSize,
	}
}

// dial creates a fresh connection instance for the endpoint, carrying over
// any outbound messages buffered on the previous instance.
func (m *manager) dial(ctx context.Context, endpoint model.Endpoint) bool {
	cfg := m.clientConfig(endpoint)
	cl := m.newClient(cfg, m.logger.With("endpoint", endpoint))

	m.mu.Lock()
	cs := m.ensureStateLocked(endpoint)
	if old := cs.client; old != nil {
		cl.QueueOutbound(old.PendingOutbound()...)
		old.Disconnect()
	}
	cs.client = cl
	m.mu.Unlock()

	if err := cl.Connect(ctx); err != nil {
		m.logger.Warn("connect failed", "endpoint", endpoint, "error", err)
		m.mu.Lock()
		cs.connected = false
		cs.lastDisconnectedAt = time.Now()
		m.mu.Unlock()
		return false
	}

	m.mu.Lock()
	cs.connected = true
	cs.lastConnectedAt = time.Now()
	cs.attempts = 0
	cs.exhausted = false
	m.mu.Unlock()

	m.events.OnConnect(endpoint)
	m.logger.Info("endpoint connected", "endpoint", endpoint)

	m.wg.Add(1)
	go m.watchLoop(endpoint, cl)

	return true
}

// watchLoop routes one connection's inbound envelopes into the message
// queue and dispatches its failure to the reconnect path.
func (m *manager) watchLoop(endpoint model.Endpoint, cl Client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-cl.Done():
			// Deliberate disconnect; no reconnect.
			m.markDisconnected(endpoint, nil)
			return

		case err := <-cl.Errors():
			m.logger.Warn("connection error", "endpoint", endpoint, "error", err)
			m.markDisconnected(endpoint, err)

			m.wg.Add(1)
			go m.reconnectLoop(endpoint)
			return

		case in, ok := <-cl.Messages():
			if !ok {
				return
			}
			m.queue.Enqueue(in.Msg, endpoint)
			m.events.OnMessage(endpoint, in.Msg)
		}
	}
}

// markDisconnected records the state transition and notifies the sink
// exactly once per established connection.
func (m *manager) markDisconnected(endpoint model.Endpoint, reason error) {
	m.mu.Lock()
	cs := m.conns[endpoint]
	if cs == nil || !cs.connected {
		m.mu.Unlock()
		return
	}
	cs.connected = false
	cs.lastDisconnectedAt = time.Now()
	m.mu.Unlock()

	m.events.OnDisconnect(endpoint, reason)
}

// reconnectLoop retries the endpoint with exponential backoff: delay is
// base << attempt, capped at MaxReconnectAttempts failures. Exhausting the
// budget marks the endpoint degraded until an explicit Reconnect.
func (m *manager) reconnectLoop(endpoint model.Endpoint) {
	defer m.wg.Done()

	m.mu.Lock()
	cs := m.ensureStateLocked(endpoint)
	if cs.reconnecting {
		m.mu.Unlock()
		return
	}
	cs.reconnecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		cs.reconnecting = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if cs.exhausted {
			m.mu.Unlock()
			return
		}
		if !m.netAvailable {
			// ReconnectAll on the availability transition resumes us.
			m.mu.Unlock()
			return
		}
		attempt := cs.attempts
		if attempt >= m.cfg.MaxReconnectAttempts {
			cs.exhausted = true
			m.mu.Unlock()
			m.logger.Warn("endpoint degraded",
				"endpoint", endpoint,
				"attempts", attempt,
				"error", ErrMaxAttemptsExceeded,
			)
			return
		}
		m.mu.Unlock()

		delay := m.cfg.ReconnectBaseDelay << uint(attempt)

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		m.logger.Info("attempting reconnection",
			"endpoint", endpoint,
			"attempt", attempt,
			"delay", delay,
		)

		if m.dial(m.ctx, endpoint) {
			return
		}

		m.mu.Lock()
		cs.attempts++
		m.mu.Unlock()
	}
}

// healthLoop queries every active connection on a fixed interval and
// schedules reconnection for unhealthy ones.
func (m *manager) healthLoop() {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runHealthCheck()
		}
	}
}

// runHealthCheck performs one health-check cycle.
func (m *manager) runHealthCheck() {
	m.mu.Lock()
	type pair struct {
		ep model.Endpoint
		cl Client
	}
	live := make([]pair, 0, len(m.conns))
	for ep, cs := range m.conns {
		if cs.connected && cs.client != nil {
			live = append(live, pair{ep, cs.client})
		}
	}
	m.mu.Unlock()

	for _, p := range live {
		h := p.cl.CheckHealth()
		if h.Healthy {
			continue
		}
		m.logger.Warn("unhealthy connection, scheduling reconnect", "endpoint", p.ep)
		m.markDisconnected(p.ep, ErrStaleConnection)
		p.cl.Disconnect()

		m.wg.Add(1)
		go m.reconnectLoop(p.ep)
	}

	agg := m.Health()
	m.logger.Debug("health check cycle",
		"healthy", agg.HealthyConnections,
		"total", agg.TotalConnections,
		"avg_latency", agg.AverageLatency,
	)
}

// bandwidthLoop converts interval byte counters into rates on a fixed
// interval, resetting the counters each cycle.
func (m *manager) bandwidthLoop() {
	defer m.wg.Done()

	interval := m.cfg.BandwidthInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.accountBandwidth(interval)
		}
	}
}

// accountBandwidth performs one bandwidth accounting cycle.
func (m *manager) accountBandwidth(interval time.Duration) {
	m.mu.Lock()
	clients := make([]Client, 0, len(m.conns))
	for _, cs := range m.conns {
		if cs.client != nil {
			clients = append(clients, cs.client)
		}
	}
	m.mu.Unlock()

	var sent, received int64
	for _, cl := range clients {
		s, r := cl.BandwidthDelta(interval)
		sent += s
		received += r
	}

	secs := interval.Seconds()

	m.mu.Lock()
	m.bandwidth.BytesSent = sent
	m.bandwidth.BytesReceived = received
	m.bandwidth.SendRate = float64(sent) / secs
	m.bandwidth.ReceiveRate = float64(received) / secs
	m.bandwidth.TotalSent += sent
	m.bandwidth.TotalReceived += received
	m.mu.Unlock()
}
