// Package position implements the net-position arithmetic applied on every
// fill: quantity-weighted averaging when a fill extends exposure, unchanged
// average on a partial closure, reset to the fill price when a fill flips the
// position, and realized P&L on the closed quantity.
//
// All monetary values use shopspring/decimal. The package is stateless;
// callers own persistence.
package position

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrInvalidQuantity is returned when a fill quantity is not positive.
	ErrInvalidQuantity = errors.New("position: fill quantity must be positive")

	// ErrInvalidAction is returned for anything other than BUY or SELL.
	ErrInvalidAction = errors.New("position: action must be BUY or SELL")

	// PriceScale is the number of decimal places kept on fill prices and
	// recomputed average prices.
	PriceScale int32 = 4
)

// Result is the outcome of applying one fill to a position.
type Result struct {
	// Quantity is the new signed quantity. Zero means the row must be deleted.
	Quantity int64

	// AveragePrice is the new average entry price. Meaningless when
	// Quantity is zero.
	AveragePrice decimal.Decimal

	// Realized is the P&L realized by this fill on the closed quantity.
	Realized decimal.Decimal

	// RealizedTotal is the position's accumulated realized P&L after the fill.
	RealizedTotal decimal.Decimal
}

// Closed reports whether the fill brought the position back to flat.
func (r Result) Closed() bool { return r.Quantity == 0 }

// Signed returns the signed quantity change for a fill: +qty for BUY,
// -qty for SELL.
func Signed(action model.Action, qty int64) int64 {
	if action == model.ActionSell {
		return -qty
	}
	return qty
}

// Apply computes the position after a fill of qty at price. A nil current
// means no position exists yet.
//
//	same direction:        avg = (avg·|old| + price·qty) / (|old| + qty)
//	opposite, no flip:     avg unchanged, realized on qty
//	opposite, flip:        avg = price, realized on |old|
//
// Realized P&L for closing a long is (price - avg) × closed and for closing
// a short (avg - price) × closed.
func Apply(current *model.Position, action model.Action, price decimal.Decimal, qty int64) (Result, error) {
	if qty <= 0 {
		return Result{}, ErrInvalidQuantity
	}
	if !action.Valid() {
		return Result{}, ErrInvalidAction
	}

	change := Signed(action, qty)

	if current == nil || current.Quantity == 0 {
		res := Result{
			Quantity:     change,
			AveragePrice: price,
			Realized:     decimal.Zero,
		}
		if current != nil {
			res.RealizedTotal = current.RealizedPnL
		}
		return res, nil
	}

	old := current.Quantity
	next := old + change
	res := Result{
		Quantity:      next,
		AveragePrice:  current.AveragePrice,
		Realized:      decimal.Zero,
		RealizedTotal: current.RealizedPnL,
	}

	if sameSign(old, change) {
		oldAbs := decimal.NewFromInt(abs(old))
		addAbs := decimal.NewFromInt(qty)
		totalValue := current.AveragePrice.Mul(oldAbs).Add(price.Mul(addAbs))
		res.AveragePrice = totalValue.DivRound(oldAbs.Add(addAbs), PriceScale)
		return res, nil
	}

	// Opposite direction: close min(|old|, qty).
	closed := qty
	if abs(old) < closed {
		closed = abs(old)
	}
	res.Realized = realized(old, current.AveragePrice, price, closed)
	res.RealizedTotal = current.RealizedPnL.Add(res.Realized)

	if next != 0 && !sameSign(old, next) {
		// Flipped: the residual exposure was opened at the fill price.
		res.AveragePrice = price
	}
	return res, nil
}

// Unrealized returns the mark-to-market P&L of a position at ltp:
// (ltp - avg) × quantity. Negative quantity makes shorts profit on a
// falling price.
func Unrealized(p *model.Position, ltp decimal.Decimal) decimal.Decimal {
	return ltp.Sub(p.AveragePrice).Mul(decimal.NewFromInt(p.Quantity))
}

func realized(old int64, avg, price decimal.Decimal, closed int64) decimal.Decimal {
	c := decimal.NewFromInt(closed)
	if old > 0 {
		return price.Sub(avg).Mul(c)
	}
	return avg.Sub(price).Mul(c)
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
