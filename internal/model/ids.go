package model

import (
	"strings"

	"github.com/google/uuid"
)

const (
	orderIDPrefix = "PT"
	tradeIDPrefix = "TR"
)

// NewOrderID returns a unique order ID such as PT3F9A0C12B4D7.
func NewOrderID() string { return newID(orderIDPrefix) }

// NewTradeID returns a unique trade ID such as TR0B1C2D3E4F56.
func NewTradeID() string { return newID(tradeIDPrefix) }

func newID(prefix string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + strings.ToUpper(hex[:12])
}
