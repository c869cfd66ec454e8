package ib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionState describes the lifecycle of the gateway connection.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDegraded
	StateShutdown
)

// String returns the lowercase name of the state.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateShutdown:
		return "shutdown"
	}
	return "unknown"
}

var (
	// ErrNoClientID means every candidate client id was already claimed by
	// another session on the same gateway.
	ErrNoClientID = errors.New("no free client id: all candidate ids are in use; close another API session or raise TWS_CLIENT_ID")

	// ErrConnectionExhausted means reconnection attempts ran out.
	ErrConnectionExhausted = errors.New("gateway unreachable after maximum reconnect attempts; check that TWS or IB Gateway is running and the API port is enabled")

	// ErrSessionShutdown is returned once Shutdown has been called.
	ErrSessionShutdown = errors.New("session has been shut down")
)

const (
	maxClientIDCandidates = 5
	maxConnectAttempts    = 5
	maxBackoff            = 32 * time.Second

	// heartbeatInterval is how often the monitor probes the gateway;
	// heartbeatStale is how old the last successful probe may be before the
	// session is considered unhealthy.
	heartbeatInterval = 10 * time.Second
	heartbeatStale    = 30 * time.Second
)

// SessionConfig configures a gateway session.
type SessionConfig struct {
	Host       string
	Port       int
	ClientID   int // base id; candidates are ClientID, ClientID+1, ...
	UseDelayed bool
	DataLines  int // budget ceiling; 0 means DefaultDataLineCeiling
	Gateway    Gateway
	Logger     *slog.Logger

	// Sleep is swapped in tests to avoid real backoff waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Session owns the gateway connection: it scans for a free client identity,
// reconnects with backoff, watches health via a heartbeat goroutine, and
// tracks every open market-data line so Disconnect can cancel them all.
type Session struct {
	cfg     SessionConfig
	gateway Gateway
	logger  *slog.Logger
	budget  *Budget
	sleep   func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	state         SessionState
	clientID      int
	lastHeartbeat time.Time
	subscriptions map[int]ContractSpec

	monitorOnce   sync.Once
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NewSession validates the config and returns an unconnected session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("tws: Gateway is required")
	}
	if cfg.Host == "" {
		return nil, errors.New("tws: Host is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("tws: invalid Port %d", cfg.Port)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	return &Session{
		cfg:           cfg,
		gateway:       cfg.Gateway,
		logger:        cfg.Logger,
		budget:        NewBudget(cfg.DataLines),
		sleep:         cfg.Sleep,
		state:         StateDisconnected,
		subscriptions: make(map[int]ContractSpec),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Budget exposes the market-data line tracker.
func (s *Session) Budget() *Budget { return s.budget }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientID returns the client id the session connected with, 0 if never
// connected.
func (s *Session) ClientID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Delayed reports whether the session runs on delayed market data.
func (s *Session) Delayed() bool { return s.cfg.UseDelayed }

// Connect establishes the gateway connection, scanning client ids from the
// configured base until one is free. Safe to call when already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateShutdown:
		s.mu.Unlock()
		return ErrSessionShutdown
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		// Another caller is already dialing; wait for it to settle.
		s.mu.Unlock()
		return s.waitSettled(ctx)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	err := s.dial(ctx)

	s.mu.Lock()
	if err != nil {
		s.state = StateDisconnected
	} else {
		s.state = StateConnected
		s.lastHeartbeat = time.Now()
	}
	s.mu.Unlock()
	return err
}

// waitSettled polls until a concurrent connect attempt finishes.
func (s *Session) waitSettled(ctx context.Context) error {
	for {
		if err := s.sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
		switch s.State() {
		case StateConnected:
			return nil
		case StateDisconnected:
			return ErrNotConnected
		case StateShutdown:
			return ErrSessionShutdown
		}
	}
}

// dial performs the client-id scan and data-mode setup. Caller manages state.
func (s *Session) dial(ctx context.Context) error {
	for i := 0; i < maxClientIDCandidates; i++ {
		candidate := s.cfg.ClientID + i
		err := s.gateway.Connect(ctx, s.cfg.Host, s.cfg.Port, candidate)
		if err == nil {
			s.mu.Lock()
			s.clientID = candidate
			s.mu.Unlock()

			mode := DataModeLive
			if s.cfg.UseDelayed {
				mode = DataModeDelayed
			}
			if merr := s.gateway.SetMarketDataType(mode); merr != nil {
				s.logger.Warn("Failed to set market data type", "mode", mode, "error", merr)
			}
			s.logger.Info("Connected to gateway",
				"host", s.cfg.Host, "port", s.cfg.Port,
				"client_id", candidate, "delayed", s.cfg.UseDelayed)
			return nil
		}
		if errors.Is(err, ErrClientIDInUse) {
			s.logger.Debug("Client id in use, trying next", "client_id", candidate)
			continue
		}
		return fmt.Errorf("gateway connect: %w", err)
	}
	return ErrNoClientID
}

// EnsureConnected returns immediately when healthy, otherwise reconnects
// with exponential backoff (2^attempt seconds, capped). Idempotent.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.State() == StateShutdown {
		return ErrSessionShutdown
	}
	if s.State() == StateConnected && s.gateway.IsConnected() {
		return nil
	}

	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateReconnecting {
		s.mu.Unlock()
		return s.waitSettled(ctx)
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			s.logger.Info("Reconnecting to gateway", "attempt", attempt+1, "backoff", backoff)
			if err := s.sleep(ctx, backoff); err != nil {
				s.setState(StateDisconnected)
				return err
			}
		}

		if err := s.dial(ctx); err != nil {
			lastErr = err
			if errors.Is(err, ErrNoClientID) {
				// More attempts won't free an id held by another session.
				s.setState(StateDisconnected)
				return err
			}
			continue
		}

		s.mu.Lock()
		s.state = StateConnected
		s.lastHeartbeat = time.Now()
		s.mu.Unlock()
		return nil
	}

	s.setState(StateDisconnected)
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrConnectionExhausted, lastErr)
	}
	return ErrConnectionExhausted
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Healthy reports whether the session is connected and the last heartbeat
// is fresh.
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	return time.Since(s.lastHeartbeat) < heartbeatStale
}

// StartMonitor launches the heartbeat goroutine. It probes the gateway every
// heartbeatInterval and triggers a reconnect when the probe fails or goes
// stale. Calling it more than once is a no-op.
func (s *Session) StartMonitor(ctx context.Context) {
	s.monitorOnce.Do(func() {
		mctx, cancel := context.WithCancel(ctx)
		s.monitorCancel = cancel
		s.monitorDone = make(chan struct{})
		go s.monitor(mctx)
	})
}

func (s *Session) monitor(ctx context.Context) {
	defer close(s.monitorDone)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.State() != StateConnected {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.gateway.Ping(probeCtx)
		cancel()

		if err == nil {
			s.mu.Lock()
			s.lastHeartbeat = time.Now()
			s.mu.Unlock()
			continue
		}

		s.logger.Warn("Gateway heartbeat failed, reconnecting", "error", err)
		s.setState(StateDegraded)
		s.dropSubscriptions()
		if rerr := s.EnsureConnected(ctx); rerr != nil {
			s.logger.Error("Gateway reconnect failed", "error", rerr)
		}
	}
}

// TrackSubscription records an open market-data line so it can be cancelled
// on disconnect.
func (s *Session) TrackSubscription(tickerID int, spec ContractSpec) {
	s.mu.Lock()
	s.subscriptions[tickerID] = spec
	s.mu.Unlock()
}

// UntrackSubscription forgets a line after the caller has unsubscribed it.
func (s *Session) UntrackSubscription(tickerID int) {
	s.mu.Lock()
	delete(s.subscriptions, tickerID)
	s.mu.Unlock()
}

// ActiveSubscriptions returns the number of tracked market-data lines.
func (s *Session) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// dropSubscriptions cancels every tracked line and releases its budget.
func (s *Session) dropSubscriptions() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	s.subscriptions = make(map[int]ContractSpec)
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.gateway.Unsubscribe(id); err != nil {
			s.logger.Debug("Unsubscribe during teardown failed", "ticker_id", id, "error", err)
		}
	}
	if n := len(ids); n > 0 {
		s.budget.Release(n)
		s.logger.Info("Cancelled active market data subscriptions", "count", n)
	}
}

// Disconnect cancels every open subscription, then drops the socket.
// Subscriptions are cancelled first so the gateway does not leak data lines.
func (s *Session) Disconnect() error {
	s.dropSubscriptions()

	err := s.gateway.Disconnect()
	s.setState(StateDisconnected)
	if err != nil {
		return fmt.Errorf("gateway disconnect: %w", err)
	}
	return nil
}

// Shutdown stops the monitor, disconnects, and makes the session unusable.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.monitorCancel != nil {
		s.monitorCancel()
		<-s.monitorDone
	}
	if err := s.Disconnect(); err != nil {
		s.logger.Debug("Disconnect during shutdown", "error", err)
	}
	s.setState(StateShutdown)
	s.logger.Info("Gateway session shut down")
}
