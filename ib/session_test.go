package ib_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Schmoll86/sumppump-mcp-server/ib"
	"github.com/Schmoll86/sumppump-mcp-server/ib/paper"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func instantSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newTestSession(t *testing.T, gw ib.Gateway) *ib.Session {
	t.Helper()
	s, err := ib.NewSession(ib.SessionConfig{
		Host:     "127.0.0.1",
		Port:     7497,
		ClientID: 5,
		Gateway:  gw,
		Logger:   testLogger(),
		Sleep:    instantSleep,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSessionConfigValidation(t *testing.T) {
	if _, err := ib.NewSession(ib.SessionConfig{Host: "h", Port: 1}); err == nil {
		t.Error("expected error for missing Gateway")
	}
	if _, err := ib.NewSession(ib.SessionConfig{Port: 1, Gateway: paper.New()}); err == nil {
		t.Error("expected error for missing Host")
	}
	if _, err := ib.NewSession(ib.SessionConfig{Host: "h", Gateway: paper.New()}); err == nil {
		t.Error("expected error for missing Port")
	}
}

func TestConnectScansClientIDs(t *testing.T) {
	gw := paper.New()
	gw.ClaimClientID(5)
	gw.ClaimClientID(6)

	s := newTestSession(t, gw)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.ClientID(); got != 7 {
		t.Errorf("ClientID = %d, want 7 (first free candidate)", got)
	}
	if got := s.State(); got != ib.StateConnected {
		t.Errorf("State = %v, want connected", got)
	}
}

func TestConnectAllClientIDsTaken(t *testing.T) {
	gw := paper.New()
	for id := 5; id < 10; id++ {
		gw.ClaimClientID(id)
	}

	s := newTestSession(t, gw)
	err := s.Connect(context.Background())
	if !errors.Is(err, ib.ErrNoClientID) {
		t.Fatalf("Connect = %v, want ErrNoClientID", err)
	}
	if got := s.State(); got != ib.StateDisconnected {
		t.Errorf("State = %v, want disconnected", got)
	}
}

func TestConnectIdempotent(t *testing.T) {
	gw := paper.New()
	s := newTestSession(t, gw)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
}

// deadGateway refuses every dial with a transport error.
type deadGateway struct {
	*paper.Gateway
	dials int
}

func (d *deadGateway) Connect(ctx context.Context, host string, port int, clientID int) error {
	d.dials++
	return errors.New("connection refused")
}

func TestEnsureConnectedExhaustsRetries(t *testing.T) {
	gw := &deadGateway{Gateway: paper.New()}
	s := newTestSession(t, gw)

	err := s.EnsureConnected(context.Background())
	if !errors.Is(err, ib.ErrConnectionExhausted) {
		t.Fatalf("EnsureConnected = %v, want ErrConnectionExhausted", err)
	}
	// 5 attempts, each scanning only one candidate because the error is not
	// a client-id collision.
	if gw.dials != 5 {
		t.Errorf("dials = %d, want 5", gw.dials)
	}
}

func TestEnsureConnectedStopsEarlyOnNoClientID(t *testing.T) {
	gw := paper.New()
	for id := 5; id < 10; id++ {
		gw.ClaimClientID(id)
	}
	s := newTestSession(t, gw)

	err := s.EnsureConnected(context.Background())
	if !errors.Is(err, ib.ErrNoClientID) {
		t.Fatalf("EnsureConnected = %v, want ErrNoClientID (no pointless retries)", err)
	}
}

func TestEnsureConnectedRedialsAfterDrop(t *testing.T) {
	gw := paper.New()
	s := newTestSession(t, gw)
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := gw.Disconnect(); err != nil {
		t.Fatal(err)
	}

	if err := s.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected after drop: %v", err)
	}
	if !gw.IsConnected() {
		t.Error("gateway not reconnected")
	}
	if got := s.State(); got != ib.StateConnected {
		t.Errorf("State = %v, want connected", got)
	}
}

func TestDisconnectCancelsSubscriptions(t *testing.T) {
	gw := paper.New()
	s := newTestSession(t, gw)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	spec := ib.ContractSpec{Symbol: "SPY", SecType: "OPT", Expiry: "20261218", Strike: 630, Right: "C"}
	gw.SeedQuote(spec, ib.Quote{Bid: 5, Ask: 5.2})
	for i := 0; i < 2; i++ {
		id, err := gw.Subscribe(ctx, spec)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Budget().Reserve(1); err != nil {
			t.Fatal(err)
		}
		s.TrackSubscription(id, spec)
	}
	if got := s.ActiveSubscriptions(); got != 2 {
		t.Fatalf("ActiveSubscriptions = %d, want 2", got)
	}

	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if got := s.ActiveSubscriptions(); got != 0 {
		t.Errorf("ActiveSubscriptions after disconnect = %d, want 0", got)
	}
	if got := s.Budget().InUse(); got != 0 {
		t.Errorf("budget InUse after disconnect = %d, want 0", got)
	}
}

func TestShutdownStopsMonitor(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := paper.New()
	s := newTestSession(t, gw)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	s.StartMonitor(ctx)

	s.Shutdown()
	if got := s.State(); got != ib.StateShutdown {
		t.Errorf("State = %v, want shutdown", got)
	}
	if err := s.Connect(ctx); !errors.Is(err, ib.ErrSessionShutdown) {
		t.Errorf("Connect after shutdown = %v, want ErrSessionShutdown", err)
	}
	// Shutdown twice is a no-op.
	s.Shutdown()
}

func TestHealthyRequiresConnection(t *testing.T) {
	gw := paper.New()
	s := newTestSession(t, gw)
	if s.Healthy() {
		t.Error("unconnected session reported healthy")
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Healthy() {
		t.Error("freshly connected session reported unhealthy")
	}
}
