package models

import (
	"time"
)

type SessionState string

const (
	SessionStateIdle    SessionState = "idle"
	SessionStateOpening SessionState = "opening"
	SessionStateHolding SessionState = "holding"
	SessionStateClosing SessionState = "closing"
	SessionStateSettled SessionState = "settled"
	SessionStateFailed  SessionState = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s SessionState) Terminal() bool {
	return s == SessionStateSettled || s == SessionStateFailed
}

// Session is one timed pair of offsetting positions. Index 0 of the per-account
// arrays is always account 1, index 1 is always account 2.
type Session struct {
	ID              string        `json:"id"`
	Symbol          string        `json:"symbol"`
	Account1Long    bool          `json:"account1_long"`
	StartTime       time.Time     `json:"start_time"`
	PlannedDuration time.Duration `json:"planned_duration"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	Size            float64       `json:"size"`
	OpenOrderIDs    [2]string     `json:"open_order_ids"`
	CloseOrderIDs   [2]string     `json:"close_order_ids"`
	OpenPrice       float64       `json:"open_price"`
	ClosePrice      float64       `json:"close_price"`
	PnL             [2]float64    `json:"pnl"`
	TotalPnL        float64       `json:"total_pnl"`
	State           SessionState  `json:"state"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	StoppedEarly    bool          `json:"stopped_early,omitempty"`
	Closed          bool          `json:"closed"`
}

// OpenSide returns the opening side for the given account index.
func (s *Session) OpenSide(account int) OrderSide {
	long := s.Account1Long
	if account == 1 {
		long = !long
	}
	if long {
		return OrderSideBuy
	}
	return OrderSideSell
}

// CloseSide returns the side that flattens the account's opening order.
func (s *Session) CloseSide(account int) OrderSide {
	return s.OpenSide(account).Opposite()
}
