// Package trading defines the uniform order and query surface shared by the
// paper and live implementations. Every operation returns a Result carrying
// a success flag, a JSON payload and the HTTP status it maps to; nothing
// panics or returns a bare error across this boundary.
package trading

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Service is implemented by PaperService and LiveService. auth is the
// caller's broker session token; the paper implementation ignores it.
type Service interface {
	PlaceOrder(ctx context.Context, auth string, req model.OrderRequest) Result
	ModifyOrder(ctx context.Context, auth, orderID string, req model.OrderRequest) Result
	CancelOrder(ctx context.Context, auth, orderID string) Result
	CancelAllOrders(ctx context.Context, auth string) Result

	GetPositions(ctx context.Context, auth string) Result
	GetOpenPosition(ctx context.Context, auth, symbol, exchange, product string) Result
	ClosePosition(ctx context.Context, auth, symbol, exchange, product string) Result
	CloseAllPositions(ctx context.Context, auth string) Result

	GetOpenOrders(ctx context.Context, auth string) Result
	GetOrderHistory(ctx context.Context, auth string) Result
	GetTradeHistory(ctx context.Context, auth string) Result
	GetAccountBalance(ctx context.Context, auth string) Result
	GetHoldings(ctx context.Context, auth string) Result

	ResetAccount(ctx context.Context, auth string) Result
	GetTradingStatistics(ctx context.Context, auth string) Result
}

// Result is the outcome of a facade operation.
type Result struct {
	OK       bool             `json:"-"`
	Code     int              `json:"-"`
	Status   string           `json:"status"`
	Message  string           `json:"message,omitempty"`
	OrderID  string           `json:"orderid,omitempty"`
	Data     any              `json:"data,omitempty"`
	TotalPnL *decimal.Decimal `json:"total_pnl,omitempty"`
}

func success(data any) Result {
	return Result{OK: true, Code: http.StatusOK, Status: statusSuccess, Data: data}
}

func successMsg(msg string) Result {
	return Result{OK: true, Code: http.StatusOK, Status: statusSuccess, Message: msg}
}

func failure(code int, format string, args ...any) Result {
	return Result{Code: code, Status: statusError, Message: fmt.Sprintf(format, args...)}
}

// validate checks the fields every implementation requires before an order
// is forwarded or persisted.
func validate(req *model.OrderRequest) (Result, bool) {
	req.Normalize()
	if missing := req.MissingFields(); len(missing) > 0 {
		return failure(http.StatusBadRequest, "Missing required fields: %s", strings.Join(missing, ", ")), false
	}
	if !req.Action.Valid() {
		return failure(http.StatusBadRequest, "Invalid action: %s", req.Action), false
	}
	return Result{}, true
}

// PositionView is a position marked to market.
type PositionView struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Product      string          `json:"product"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	LTP          decimal.Decimal `json:"ltp"`
	PnL          decimal.Decimal `json:"pnl"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
}

// Balance is the account funds summary.
type Balance struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	UsedBalance    decimal.Decimal `json:"used_balance"`
	PositionValue  decimal.Decimal `json:"position_value"`
	Currency       string          `json:"currency"`
	AccountType    string          `json:"account_type"`
}

// OpenPosition is the signed quantity held for one instrument.
type OpenPosition struct {
	Quantity int64 `json:"quantity"`
}

var (
	_ Service = (*PaperService)(nil)
	_ Service = (*LiveService)(nil)
)
