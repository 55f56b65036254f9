package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type MarketData struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Volume24h decimal.Decimal `json:"volume_24h"`
}

// Balance is passed through as returned by the exchange; its shape differs
// between account tiers.
type Balance map[string]json.RawMessage

type Ticker struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	Timestamp time.Time       `json:"timestamp"`
}
