package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/pairvolume/pkg/models"
	"github.com/sirupsen/logrus"
)

type StreamConfig struct {
	URL            string
	ReconnectDelay time.Duration
	MaxReconnects  int
}

type TickerHandler func(ticker models.Ticker)

type streamMessage struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Price  json.RawMessage `json:"last_price"`
}

type subscribeMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Symbols  []string `json:"symbols"`
}

// TickerStream follows the public ticker channel for a set of symbols and
// reconnects when the connection drops.
type TickerStream struct {
	cfg     StreamConfig
	symbols []string
	handler TickerHandler
	logger  *logrus.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

func NewTickerStream(cfg StreamConfig, symbols []string, handler TickerHandler, logger *logrus.Logger) *TickerStream {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &TickerStream{
		cfg:     cfg,
		symbols: symbols,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run connects and reads until ctx is cancelled, Close is called, or the
// reconnect budget is spent.
func (s *TickerStream) Run(ctx context.Context) error {
	reconnects := 0
	for {
		err := s.session(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		reconnects++
		if s.cfg.MaxReconnects > 0 && reconnects > s.cfg.MaxReconnects {
			return fmt.Errorf("ticker stream gave up after %d reconnects: %w", s.cfg.MaxReconnects, err)
		}
		s.logger.WithError(err).WithField("attempt", reconnects).Warn("Ticker stream disconnected, reconnecting")

		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *TickerStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.closeConn()

	sub := subscribeMessage{Type: "subscribe", Channels: []string{"ticker"}, Symbols: s.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.WithField("symbols", s.symbols).Info("Subscribed to ticker stream")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.closeConn()
		case <-s.done:
			s.closeConn()
		case <-stop:
		}
	}()

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msg.Type != "ticker" {
			continue
		}
		ticker, err := parseTicker(msg)
		if err != nil {
			s.logger.WithError(err).WithField("symbol", msg.Symbol).Debug("Skipping malformed ticker")
			continue
		}
		s.handler(ticker)
	}
}

func parseTicker(msg streamMessage) (models.Ticker, error) {
	t := models.Ticker{Symbol: msg.Symbol, Timestamp: time.Now().UTC()}
	if msg.Symbol == "" {
		return t, fmt.Errorf("ticker without symbol")
	}
	if err := t.LastPrice.UnmarshalJSON(msg.Price); err != nil {
		return t, fmt.Errorf("parse last_price: %w", err)
	}
	return t, nil
}

func (s *TickerStream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Close stops Run and drops the connection.
func (s *TickerStream) Close() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	s.closeConn()
}
