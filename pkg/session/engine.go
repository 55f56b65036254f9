package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/pairvolume/pkg/metrics"
	"github.com/gregtusar/pairvolume/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// minSizeFraction is the lower bound of a session's size as a fraction of the
// configured maximum.
const minSizeFraction = 0.3

// Gateway is what the engine needs from the exchange.
type Gateway interface {
	GetMarketData(ctx context.Context, symbol string) (*models.MarketData, error)
	PlaceOrder(ctx context.Context, account int, req *models.OrderRequest) (*models.Order, error)
	CloseAllOrders(ctx context.Context, account int, symbol string) error
}

type Config struct {
	Symbols            []string
	MinSessionDuration time.Duration
	MaxSessionDuration time.Duration
	MaxPositionSize    float64
	ParallelLegs       bool
	CleanupTimeout     time.Duration
}

func (c Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	for _, s := range c.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("empty symbol in %v", c.Symbols)
		}
	}
	if c.MinSessionDuration < time.Second {
		return fmt.Errorf("min session duration must be at least 1s, got %s", c.MinSessionDuration)
	}
	if c.MaxSessionDuration < c.MinSessionDuration {
		return fmt.Errorf("max session duration %s below min %s", c.MaxSessionDuration, c.MinSessionDuration)
	}
	if c.MaxPositionSize <= 0 {
		return fmt.Errorf("max position size must be positive, got %v", c.MaxPositionSize)
	}
	return nil
}

// Engine runs one delta-neutral session at a time: open a buy on one account
// and a sell on the other, hold, reverse both, settle. Execute is not meant to
// be called concurrently; the lock only guards the snapshots handed to
// readers.
type Engine struct {
	gateway Gateway
	cfg     Config
	rng     Rand
	clock   Clock
	logger  *logrus.Logger

	mu      sync.RWMutex
	active  *models.Session
	history []*models.Session
}

func NewEngine(gateway Gateway, cfg Config, rng Rand, clock Clock, logger *logrus.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = RealClock
	}
	return &Engine{
		gateway: gateway,
		cfg:     cfg,
		rng:     rng,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Execute runs a full session. Closing stop while holding ends the hold early
// and flattens both accounts; cancelling ctx fails the session and triggers
// cleanup. The returned session is a snapshot of its final state.
func (e *Engine) Execute(ctx context.Context, stop <-chan struct{}) (*models.Session, error) {
	sess, err := e.begin()
	if err != nil {
		e.logger.WithError(err).Warn("Session not started")
		return nil, err
	}
	defer e.finish(sess)

	log := e.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"symbol":     sess.Symbol,
	})
	log.WithFields(logrus.Fields{
		"account1_long": sess.Account1Long,
		"duration":      sess.PlannedDuration.String(),
		"size":          sess.Size,
	}).Info("Starting delta neutral session")

	if err := e.run(ctx, stop, sess, log); err != nil {
		failedIn := e.fail(sess, err)
		log.WithError(err).WithField("state", failedIn).Error("Session failed")
		e.cleanup(ctx, sess, log)
		return e.snapshot(sess), &SessionError{SessionID: sess.ID, Symbol: sess.Symbol, State: failedIn, Err: err}
	}
	return e.snapshot(sess), nil
}

func (e *Engine) begin() (*models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return nil, ErrSessionActive
	}

	minSec := int(e.cfg.MinSessionDuration / time.Second)
	maxSec := int(e.cfg.MaxSessionDuration / time.Second)

	sess := &models.Session{
		ID:              uuid.New().String()[:8],
		Symbol:          e.cfg.Symbols[e.rng.Intn(len(e.cfg.Symbols))],
		Account1Long:    e.rng.Intn(2) == 0,
		PlannedDuration: time.Duration(uniformInt(e.rng, minSec, maxSec)) * time.Second,
		Size:            uniform(e.rng, e.cfg.MaxPositionSize*minSizeFraction, e.cfg.MaxPositionSize),
		StartTime:       e.clock.Now(),
		State:           models.SessionStateOpening,
	}
	e.active = sess
	metrics.ActiveSession.Set(1)
	return sess, nil
}

func (e *Engine) run(ctx context.Context, stop <-chan struct{}, sess *models.Session, log *logrus.Entry) error {
	md, err := e.gateway.GetMarketData(ctx, sess.Symbol)
	if err != nil {
		return fmt.Errorf("fetch opening price: %w", err)
	}
	openPrice := md.LastPrice.InexactFloat64()
	e.update(func() { sess.OpenPrice = openPrice })

	opened, err := e.placePair(ctx, sess, phaseOpen)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"account1_order": opened[0].ID,
		"account2_order": opened[1].ID,
		"price":          openPrice,
	}).Info("Opened positions")

	e.update(func() { sess.State = models.SessionStateHolding })
	stoppedEarly, err := e.hold(ctx, stop, sess.PlannedDuration)
	if err != nil {
		return fmt.Errorf("hold interrupted: %w", err)
	}
	if stoppedEarly {
		log.Warn("Stop requested, closing session early")
		e.update(func() { sess.StoppedEarly = true })
	}

	e.update(func() { sess.State = models.SessionStateClosing })
	if _, err := e.placePair(ctx, sess, phaseClose); err != nil {
		return err
	}

	now := e.clock.Now()
	var closePrice float64
	if md, err := e.gateway.GetMarketData(ctx, sess.Symbol); err != nil {
		log.WithError(err).Warn("Positions closed but closing price unavailable, PnL not computed")
	} else {
		closePrice = md.LastPrice.InexactFloat64()
	}

	e.update(func() {
		sess.EndTime = &now
		sess.Closed = true
		sess.State = models.SessionStateSettled
		if closePrice > 0 {
			sess.ClosePrice = closePrice
			sess.PnL, sess.TotalPnL = ComputePnL(sess.Size, sess.OpenPrice, closePrice, sess.Account1Long)
		}
	})

	metrics.SessionPnL.WithLabelValues(metrics.AccountLabel(0)).Set(sess.PnL[0])
	metrics.SessionPnL.WithLabelValues(metrics.AccountLabel(1)).Set(sess.PnL[1])
	log.WithFields(logrus.Fields{
		"account1_pnl": fmt.Sprintf("%.4f", sess.PnL[0]),
		"account2_pnl": fmt.Sprintf("%.4f", sess.PnL[1]),
		"total_pnl":    fmt.Sprintf("%.4f", sess.TotalPnL),
		"duration":     sess.PlannedDuration.String(),
	}).Info("Closed positions")
	return nil
}

type phase string

const (
	phaseOpen  phase = "open"
	phaseClose phase = "close"
)

// placePair places one market order per account. Sequential legs stop after
// the first failure; parallel legs always wait for both.
func (e *Engine) placePair(ctx context.Context, sess *models.Session, p phase) ([2]*models.Order, error) {
	var orders [2]*models.Order
	var errs [2]error

	place := func(account int) {
		side := sess.OpenSide(account)
		if p == phaseClose {
			side = sess.CloseSide(account)
		}
		order, err := e.gateway.PlaceOrder(ctx, account, &models.OrderRequest{
			Symbol:   sess.Symbol,
			Side:     side,
			Type:     models.OrderTypeMarket,
			Quantity: decimal.NewFromFloat(sess.Size),
		})
		if err != nil {
			errs[account] = fmt.Errorf("%s leg for account %d: %w", p, account+1, err)
			return
		}
		orders[account] = order
		metrics.OrdersTotal.WithLabelValues(metrics.AccountLabel(account), string(side), string(p)).Inc()
		e.update(func() {
			if p == phaseOpen {
				sess.OpenOrderIDs[account] = order.ID
			} else {
				sess.CloseOrderIDs[account] = order.ID
			}
		})
	}

	if e.cfg.ParallelLegs {
		var wg sync.WaitGroup
		for account := 0; account < 2; account++ {
			wg.Add(1)
			go func(account int) {
				defer wg.Done()
				place(account)
			}(account)
		}
		wg.Wait()
	} else {
		for account := 0; account < 2; account++ {
			place(account)
			if errs[account] != nil {
				break
			}
		}
	}

	if err := errors.Join(errs[0], errs[1]); err != nil {
		return orders, err
	}
	return orders, nil
}

// hold waits for d. It reports stopped=true when stop closes first.
func (e *Engine) hold(ctx context.Context, stop <-chan struct{}, d time.Duration) (stopped bool, err error) {
	select {
	case <-stop:
		return true, nil
	default:
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-stop:
		return true, nil
	case <-e.clock.After(d):
		return false, nil
	}
}

func (e *Engine) fail(sess *models.Session, err error) models.SessionState {
	var failedIn models.SessionState
	now := e.clock.Now()
	e.update(func() {
		failedIn = sess.State
		sess.State = models.SessionStateFailed
		sess.FailureReason = err.Error()
		sess.EndTime = &now
	})
	return failedIn
}

// cleanup cancels whatever is still open on the session's symbol for both
// accounts. It runs on a context detached from ctx so a shutdown still gets to
// flatten the accounts.
func (e *Engine) cleanup(ctx context.Context, sess *models.Session, log *logrus.Entry) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CleanupTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for account := 0; account < 2; account++ {
		wg.Add(1)
		go func(account int) {
			defer wg.Done()
			if err := e.gateway.CloseAllOrders(cctx, account, sess.Symbol); err != nil {
				log.WithError(err).WithField("account", account).Error("Failed to close orders after session failure")
			}
		}(account)
	}
	wg.Wait()
}

func (e *Engine) finish(sess *models.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, sess)
	e.active = nil
	metrics.ActiveSession.Set(0)
	metrics.SessionsTotal.WithLabelValues(string(sess.State)).Inc()
}

func (e *Engine) update(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

func (e *Engine) snapshot(sess *models.Session) *models.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := *sess
	return &cp
}

// Active returns a copy of the in-flight session, if any.
func (e *Engine) Active() (models.Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.active == nil {
		return models.Session{}, false
	}
	return *e.active, true
}

// History returns copies of every finished session, oldest first.
func (e *Engine) History() []models.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Session, 0, len(e.history))
	for _, s := range e.history {
		out = append(out, *s)
	}
	return out
}

// ComputePnL approximates each account's PnL as size × relative price move,
// positive for the long account. It ignores fees and slippage.
func ComputePnL(size, openPrice, closePrice float64, account1Long bool) ([2]float64, float64) {
	if openPrice == 0 {
		return [2]float64{}, 0
	}
	change := (closePrice - openPrice) / openPrice
	longPnL := size * change
	pnl := [2]float64{longPnL, -longPnL}
	if !account1Long {
		pnl = [2]float64{-longPnL, longPnL}
	}
	return pnl, pnl[0] + pnl[1]
}
