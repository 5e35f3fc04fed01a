package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OrderRequest is a caller's order instruction before it becomes an Order.
// Zero values mean "absent".
type OrderRequest struct {
	Symbol            string           `json:"symbol"`
	Exchange          string           `json:"exchange"`
	Action            Action           `json:"action"`
	Product           string           `json:"product"`
	PriceType         PriceType        `json:"pricetype"`
	Quantity          int64            `json:"quantity"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	TriggerPrice      *decimal.Decimal `json:"trigger_price,omitempty"`
	DisclosedQuantity int64            `json:"disclosed_quantity,omitempty"`
	Strategy          string           `json:"strategy,omitempty"`
}

// Normalize upper-cases the enumerations and trims whitespace.
func (r *OrderRequest) Normalize() {
	r.Symbol = strings.TrimSpace(r.Symbol)
	r.Exchange = strings.ToUpper(strings.TrimSpace(r.Exchange))
	r.Action = Action(strings.ToUpper(strings.TrimSpace(string(r.Action))))
	r.Product = strings.ToUpper(strings.TrimSpace(r.Product))
	r.PriceType = PriceType(strings.ToUpper(strings.TrimSpace(string(r.PriceType))))
}

// MissingFields lists required fields that are absent, in a fixed order.
// A non-positive quantity counts as absent.
func (r *OrderRequest) MissingFields() []string {
	var missing []string
	if r.Symbol == "" {
		missing = append(missing, "symbol")
	}
	if r.Exchange == "" {
		missing = append(missing, "exchange")
	}
	if r.Action == "" {
		missing = append(missing, "action")
	}
	if r.Product == "" {
		missing = append(missing, "product")
	}
	if r.PriceType == "" {
		missing = append(missing, "pricetype")
	}
	if r.Quantity <= 0 {
		missing = append(missing, "quantity")
	}
	return missing
}
