package session

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gregtusar/pairvolume/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func testConfig() Config {
	return Config{
		Symbols:            []string{"ETH-USDC"},
		MinSessionDuration: 300 * time.Second,
		MaxSessionDuration: 301 * time.Second,
		MaxPositionSize:    0.05,
		CleanupTimeout:     time.Second,
	}
}

func newTestEngine(t *testing.T, gw Gateway, cfg Config, rng Rand, clock Clock) (*Engine, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	e, err := NewEngine(gw, cfg, rng, clock, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, hook
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestExecuteSettlesDeltaNeutralSession(t *testing.T) {
	gw := newFakeGateway(2000, 2010)
	clock := newFakeClock()
	// symbol 0, account 1 long, +0s duration, size at the maximum.
	rng := &scriptedRand{ints: []int{0, 0, 0}, floats: []float64{1.0}}
	e, _ := newTestEngine(t, gw, testConfig(), rng, clock)

	sess, err := e.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sess.State != models.SessionStateSettled || !sess.Closed || sess.EndTime == nil {
		t.Fatalf("session not settled: %+v", sess)
	}
	if !sess.Account1Long {
		t.Fatalf("expected account 1 long")
	}
	if sess.PlannedDuration != 300*time.Second {
		t.Fatalf("duration: got %s", sess.PlannedDuration)
	}
	if waits := clock.Waits(); len(waits) != 1 || waits[0] != 300*time.Second {
		t.Fatalf("hold waits: got %v", waits)
	}
	if !approx(sess.Size, 0.05) {
		t.Fatalf("size: got %v", sess.Size)
	}
	if !approx(sess.PnL[0], 0.00025) || !approx(sess.PnL[1], -0.00025) {
		t.Fatalf("pnl: got %v", sess.PnL)
	}
	if !approx(sess.TotalPnL, 0) {
		t.Fatalf("total pnl: got %v", sess.TotalPnL)
	}

	want := []struct {
		account int
		side    models.OrderSide
	}{
		{0, models.OrderSideBuy},
		{1, models.OrderSideSell},
		{0, models.OrderSideSell},
		{1, models.OrderSideBuy},
	}
	if len(gw.placed) != len(want) {
		t.Fatalf("orders placed: got %d want %d", len(gw.placed), len(want))
	}
	for i, w := range want {
		got := gw.placed[i]
		if got.account != w.account || got.side != w.side || got.symbol != "ETH-USDC" {
			t.Fatalf("order %d: got %+v want %+v", i, got, w)
		}
		if !got.size.Equal(decimal.NewFromFloat(sess.Size)) {
			t.Fatalf("order %d size %s differs from session size %v", i, got.size, sess.Size)
		}
	}
	if sess.OpenOrderIDs != [2]string{"ord-1", "ord-2"} || sess.CloseOrderIDs != [2]string{"ord-3", "ord-4"} {
		t.Fatalf("order ids: open %v close %v", sess.OpenOrderIDs, sess.CloseOrderIDs)
	}

	if _, ok := e.Active(); ok {
		t.Fatalf("active slot not cleared")
	}
	if h := e.History(); len(h) != 1 || h[0].ID != sess.ID {
		t.Fatalf("history: got %+v", h)
	}
	if len(gw.cleanups) != 0 {
		t.Fatalf("cleanup ran for a settled session")
	}
}

func TestExecuteAccount2Long(t *testing.T) {
	gw := newFakeGateway(2000, 2010)
	rng := &scriptedRand{ints: []int{0, 1, 1}, floats: []float64{0}}
	e, _ := newTestEngine(t, gw, testConfig(), rng, newFakeClock())

	sess, err := e.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Account1Long {
		t.Fatalf("expected account 2 long")
	}
	if sess.PlannedDuration != 301*time.Second {
		t.Fatalf("duration: got %s", sess.PlannedDuration)
	}
	if !approx(sess.Size, 0.015) {
		t.Fatalf("size: got %v want 0.015", sess.Size)
	}
	if gw.placed[0].side != models.OrderSideSell || gw.placed[1].side != models.OrderSideBuy {
		t.Fatalf("opening sides: %s / %s", gw.placed[0].side, gw.placed[1].side)
	}
	if sess.PnL[0] >= 0 || sess.PnL[1] <= 0 {
		t.Fatalf("short account 1 should lose on a rise: %v", sess.PnL)
	}
}

func TestExecuteSecondLegFailureCleansUp(t *testing.T) {
	gw := newFakeGateway(2000, 2010)
	gw.failOn[2] = errors.New("insufficient margin")
	rng := &scriptedRand{ints: []int{0, 0, 0}, floats: []float64{0.5}}
	e, hook := newTestEngine(t, gw, testConfig(), rng, newFakeClock())

	sess, err := e.Execute(context.Background(), nil)
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SessionError, got %T: %v", err, err)
	}
	if serr.State != models.SessionStateOpening || serr.SessionID != sess.ID {
		t.Fatalf("unexpected session error: %+v", serr)
	}
	if sess.State != models.SessionStateFailed || sess.Closed {
		t.Fatalf("session state: %+v", sess)
	}
	if sess.OpenOrderIDs[0] != "ord-1" || sess.OpenOrderIDs[1] != "" {
		t.Fatalf("open order ids: %v", sess.OpenOrderIDs)
	}

	if len(gw.cancelled[0]) != 1 || gw.cancelled[0][0] != "ord-1" {
		t.Fatalf("account 1's opened order was not cancelled: %v", gw.cancelled)
	}
	if len(gw.cleanups) != 2 {
		t.Fatalf("cleanup must cover both accounts, got %v", gw.cleanups)
	}
	if _, ok := e.Active(); ok {
		t.Fatalf("active slot not cleared after failure")
	}

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Message == "Session failed" {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("failure was not logged")
	}

	// The next session is unaffected.
	gw.settle()
	rng.ints = []int{0, 0, 0}
	next, err := e.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("next session failed: %v", err)
	}
	if next.State != models.SessionStateSettled {
		t.Fatalf("next session state: %s", next.State)
	}
	if h := e.History(); len(h) != 2 || h[0].State != models.SessionStateFailed {
		t.Fatalf("history: %+v", h)
	}
}

func TestExecuteFirstLegFailureSkipsSecondLeg(t *testing.T) {
	gw := newFakeGateway(2000)
	gw.failAccount[0] = errors.New("rejected")
	e, _ := newTestEngine(t, gw, testConfig(), &scriptedRand{}, newFakeClock())

	_, err := e.Execute(context.Background(), nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if gw.placeCalls != 1 {
		t.Fatalf("second leg attempted after first failed: %d calls", gw.placeCalls)
	}
	if len(gw.cleanups) != 2 {
		t.Fatalf("cleanup calls: %v", gw.cleanups)
	}
}

func TestExecuteParallelLegsAttemptsBoth(t *testing.T) {
	gw := newFakeGateway(2000)
	gw.failAccount[0] = errors.New("rejected")
	cfg := testConfig()
	cfg.ParallelLegs = true
	e, _ := newTestEngine(t, gw, cfg, &scriptedRand{}, newFakeClock())

	sess, err := e.Execute(context.Background(), nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if gw.placeCalls != 2 {
		t.Fatalf("parallel legs must both be attempted: %d calls", gw.placeCalls)
	}
	if sess.OpenOrderIDs[1] == "" {
		t.Fatalf("successful leg not recorded: %v", sess.OpenOrderIDs)
	}
	if len(gw.cancelled[1]) != 1 {
		t.Fatalf("successful leg not flattened: %v", gw.cancelled)
	}
}

func TestExecuteParallelLegsSettles(t *testing.T) {
	gw := newFakeGateway(2000, 1990)
	cfg := testConfig()
	cfg.ParallelLegs = true
	e, _ := newTestEngine(t, gw, cfg, &scriptedRand{}, newFakeClock())

	sess, err := e.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.OpenSide(0) == sess.OpenSide(1) {
		t.Fatalf("legs on the same side")
	}
	if len(gw.placed) != 4 {
		t.Fatalf("orders placed: %d", len(gw.placed))
	}
}

func TestExecuteMarketDataFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.marketErr[1] = errors.New("timeout")
	e, _ := newTestEngine(t, gw, testConfig(), &scriptedRand{}, newFakeClock())

	sess, err := e.Execute(context.Background(), nil)
	var serr *SessionError
	if !errors.As(err, &serr) || serr.State != models.SessionStateOpening {
		t.Fatalf("expected opening failure, got %v", err)
	}
	if gw.placeCalls != 0 {
		t.Fatalf("orders placed without a price")
	}
	if sess.FailureReason == "" {
		t.Fatalf("failure reason missing")
	}
}

func TestExecuteClosingOrderFailure(t *testing.T) {
	gw := newFakeGateway(2000, 2010)
	gw.failOn[4] = errors.New("rejected")
	e, _ := newTestEngine(t, gw, testConfig(), &scriptedRand{}, newFakeClock())

	_, err := e.Execute(context.Background(), nil)
	var serr *SessionError
	if !errors.As(err, &serr) || serr.State != models.SessionStateClosing {
		t.Fatalf("expected closing failure, got %v", err)
	}
	if len(gw.cleanups) != 2 {
		t.Fatalf("cleanup calls: %v", gw.cleanups)
	}
}

func TestExecuteClosingPriceUnavailable(t *testing.T) {
	gw := newFakeGateway(2000)
	gw.marketErr[2] = errors.New("timeout")
	e, _ := newTestEngine(t, gw, testConfig(), &scriptedRand{}, newFakeClock())

	sess, err := e.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("positions were closed, session should settle: %v", err)
	}
	if sess.State != models.SessionStateSettled || sess.TotalPnL != 0 || sess.ClosePrice != 0 {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestExecuteCleanupFailureOnOneAccountDoesNotBlockOther(t *testing.T) {
	gw := newFakeGateway(2000)
	gw.failOn[2] = errors.New("rejected")
	gw.cleanupErrs = []error{errors.New("list failed")}
	e, _ := newTestEngine(t, gw, testConfig(), &scriptedRand{}, newFakeClock())

	if _, err := e.Execute(context.Background(), nil); err == nil {
		t.Fatalf("expected failure")
	}
	if len(gw.cleanups) != 2 {
		t.Fatalf("both accounts must be cleaned up, got %v", gw.cleanups)
	}
}

func TestExecuteRejectsConcurrentSession(t *testing.T) {
	e, _ := newTestEngine(t, newFakeGateway(2000), testConfig(), &scriptedRand{}, newFakeClock())
	e.active = &models.Session{ID: "busy"}

	sess, err := e.Execute(context.Background(), nil)
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if sess != nil {
		t.Fatalf("no session should be returned")
	}
	if active, _ := e.Active(); active.ID != "busy" {
		t.Fatalf("active session replaced")
	}
}

func TestExecuteStopDuringHoldClosesEarly(t *testing.T) {
	gw := newFakeGateway(2000, 2001)
	clock := newFakeClock()
	clock.block = true
	e, _ := newTestEngine(t, gw, testConfig(), &scriptedRand{}, clock)

	stop := make(chan struct{})
	go func() {
		<-clock.waited
		close(stop)
	}()

	sess, err := e.Execute(context.Background(), stop)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.StoppedEarly || sess.State != models.SessionStateSettled {
		t.Fatalf("expected early settle, got %+v", sess)
	}
	if len(gw.placed) != 4 {
		t.Fatalf("positions not flattened: %d orders", len(gw.placed))
	}
}

func TestExecuteContextCancelDuringHold(t *testing.T) {
	gw := newFakeGateway(2000)
	clock := newFakeClock()
	clock.block = true
	e, _ := newTestEngine(t, gw, testConfig(), &scriptedRand{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-clock.waited
		cancel()
	}()

	_, err := e.Execute(ctx, nil)
	var serr *SessionError
	if !errors.As(err, &serr) || serr.State != models.SessionStateHolding {
		t.Fatalf("expected holding failure, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause not preserved: %v", err)
	}
	for i, cerr := range gw.cleanupCtx {
		if cerr != nil {
			t.Fatalf("cleanup %d ran on a cancelled context: %v", i, cerr)
		}
	}
	if len(gw.cancelled[0]) != 1 || len(gw.cancelled[1]) != 1 {
		t.Fatalf("opened orders not cancelled: %v", gw.cancelled)
	}
}

func TestExecuteRandomParametersStayInBounds(t *testing.T) {
	cfg := Config{
		Symbols:            []string{"ETH-USDC", "BTC-USDC"},
		MinSessionDuration: 300 * time.Second,
		MaxSessionDuration: 2100 * time.Second,
		MaxPositionSize:    0.1,
	}
	gw := newFakeGateway(2000, 2001, 1999)
	e, _ := newTestEngine(t, gw, cfg, NewRand(42), newFakeClock())

	longs := map[bool]int{}
	for i := 0; i < 200; i++ {
		before := len(gw.placed)
		sess, err := e.Execute(context.Background(), nil)
		if err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
		if sess.PlannedDuration < cfg.MinSessionDuration || sess.PlannedDuration > cfg.MaxSessionDuration {
			t.Fatalf("duration %s out of bounds", sess.PlannedDuration)
		}
		if sess.PlannedDuration%time.Second != 0 {
			t.Fatalf("duration %s not whole seconds", sess.PlannedDuration)
		}
		if sess.Size < 0.3*cfg.MaxPositionSize || sess.Size > cfg.MaxPositionSize {
			t.Fatalf("size %v out of bounds", sess.Size)
		}
		orders := gw.placed[before:]
		if len(orders) != 4 {
			t.Fatalf("session %d placed %d orders", i, len(orders))
		}
		if orders[0].side == orders[1].side || orders[2].side == orders[3].side {
			t.Fatalf("session %d: legs not opposite: %+v", i, orders)
		}
		if orders[0].side != orders[2].side.Opposite() || orders[1].side != orders[3].side.Opposite() {
			t.Fatalf("session %d: close did not reverse open: %+v", i, orders)
		}
		longs[sess.Account1Long]++
	}
	if longs[true] == 0 || longs[false] == 0 {
		t.Fatalf("coin flip never varied: %v", longs)
	}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	bad := []Config{
		{MinSessionDuration: time.Minute, MaxSessionDuration: time.Minute, MaxPositionSize: 1},
		{Symbols: []string{"ETH-USDC"}, MinSessionDuration: 2 * time.Minute, MaxSessionDuration: time.Minute, MaxPositionSize: 1},
		{Symbols: []string{"ETH-USDC"}, MinSessionDuration: time.Minute, MaxSessionDuration: time.Minute},
		{Symbols: []string{" "}, MinSessionDuration: time.Minute, MaxSessionDuration: time.Minute, MaxPositionSize: 1},
	}
	for i, cfg := range bad {
		if _, err := NewEngine(newFakeGateway(), cfg, &scriptedRand{}, nil, logger); err == nil {
			t.Fatalf("config %d: expected error", i)
		}
	}
}

func TestComputePnL(t *testing.T) {
	pnl, total := ComputePnL(0.05, 2000, 2010, true)
	if !approx(pnl[0], 0.00025) || !approx(pnl[1], -0.00025) || !approx(total, 0) {
		t.Fatalf("account 1 long: got %v total %v", pnl, total)
	}

	pnl, _ = ComputePnL(0.05, 2000, 2010, false)
	if !approx(pnl[0], -0.00025) || !approx(pnl[1], 0.00025) {
		t.Fatalf("account 2 long: got %v", pnl)
	}

	pnl, total = ComputePnL(1, 0, 10, true)
	if pnl != [2]float64{} || total != 0 {
		t.Fatalf("zero open price: got %v %v", pnl, total)
	}
}
