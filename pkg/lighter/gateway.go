package lighter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gregtusar/pairvolume/pkg/metrics"
	"github.com/gregtusar/pairvolume/pkg/models"
	"github.com/sirupsen/logrus"
)

// marketDataAccount serves unauthenticated reads.
const marketDataAccount = 0

type orderBody struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Quantity string `json:"quantity"`
	Price    string `json:"price,omitempty"`
}

type openOrdersResponse struct {
	Orders []models.Order `json:"orders"`
}

// Gateway exposes typed market and order operations for both accounts.
type Gateway struct {
	exec   *Executor
	logger *logrus.Logger
}

func NewGateway(exec *Executor, logger *logrus.Logger) *Gateway {
	return &Gateway{exec: exec, logger: logger}
}

func (g *Gateway) GetMarketData(ctx context.Context, symbol string) (*models.MarketData, error) {
	var md models.MarketData
	if err := g.exec.Execute(ctx, marketDataAccount, http.MethodGet, "/public/markets/"+url.PathEscape(symbol), nil, nil, &md); err != nil {
		return nil, fmt.Errorf("get market data %s: %w", symbol, err)
	}
	if md.Symbol == "" {
		md.Symbol = symbol
	}
	if !md.LastPrice.IsPositive() {
		return nil, fmt.Errorf("get market data %s: last_price missing or not positive", symbol)
	}
	return &md, nil
}

func (g *Gateway) GetBalance(ctx context.Context, account int) (models.Balance, error) {
	var balance models.Balance
	if err := g.exec.Execute(ctx, account, http.MethodGet, "/private/account/balance", nil, nil, &balance); err != nil {
		return nil, fmt.Errorf("get balance for account %d: %w", account, err)
	}
	return balance, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, account int, req *models.OrderRequest) (*models.Order, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("place order: quantity must be positive, got %s", req.Quantity)
	}

	body := orderBody{
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		Type:     string(req.Type),
		Quantity: req.Quantity.String(),
	}
	if req.Type != models.OrderTypeMarket {
		if req.Price == nil {
			return nil, fmt.Errorf("place order: %s order requires a price", req.Type)
		}
		body.Price = req.Price.String()
	}

	var order models.Order
	if err := g.exec.Execute(ctx, account, http.MethodPost, "/private/orders", body, nil, &order); err != nil {
		return nil, fmt.Errorf("place %s %s order for account %d: %w", req.Side, req.Symbol, account, err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("place %s %s order for account %d: response has no order id", req.Side, req.Symbol, account)
	}
	if order.Symbol == "" {
		order.Symbol = req.Symbol
	}
	if order.Side == "" {
		order.Side = req.Side
	}
	return &order, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, account int, orderID string) error {
	if err := g.exec.Execute(ctx, account, http.MethodDelete, "/private/orders/"+url.PathEscape(orderID), nil, nil, nil); err != nil {
		return fmt.Errorf("cancel order %s for account %d: %w", orderID, account, err)
	}
	return nil
}

func (g *Gateway) GetOrderStatus(ctx context.Context, account int, orderID string) (*models.Order, error) {
	var order models.Order
	if err := g.exec.Execute(ctx, account, http.MethodGet, "/private/orders/"+url.PathEscape(orderID), nil, nil, &order); err != nil {
		return nil, fmt.Errorf("get order %s for account %d: %w", orderID, account, err)
	}
	return &order, nil
}

// ListOpenOrders returns the account's open orders, optionally filtered by
// symbol. An account with nothing open yields an empty slice.
func (g *Gateway) ListOpenOrders(ctx context.Context, account int, symbol string) ([]models.Order, error) {
	var query url.Values
	if symbol != "" {
		query = url.Values{"symbol": []string{symbol}}
	}

	var resp openOrdersResponse
	if err := g.exec.Execute(ctx, account, http.MethodGet, "/private/orders/open", nil, query, &resp); err != nil {
		return nil, fmt.Errorf("list open orders for account %d: %w", account, err)
	}
	if resp.Orders == nil {
		return []models.Order{}, nil
	}
	return resp.Orders, nil
}

// CloseAllOrders cancels every open order on symbol. Each cancellation is
// independent: failures are logged and the loop carries on. Only a failure to
// list the orders is returned.
func (g *Gateway) CloseAllOrders(ctx context.Context, account int, symbol string) error {
	orders, err := g.ListOpenOrders(ctx, account, symbol)
	if err != nil {
		return err
	}

	for _, order := range orders {
		log := g.logger.WithFields(logrus.Fields{
			"account":  account,
			"symbol":   symbol,
			"order_id": order.ID,
		})
		if err := g.CancelOrder(ctx, account, order.ID); err != nil {
			metrics.CancelFailuresTotal.WithLabelValues(metrics.AccountLabel(account)).Inc()
			log.WithError(err).Error("Failed to cancel order")
			continue
		}
		log.Info("Cancelled order")
	}
	return nil
}
