package kraken

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill sides as the exchange reports them
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Fill is one execution from the account's fill log
type Fill struct {
	FillID   string          `json:"fill_id"`
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	FillType string          `json:"fill_type"`
	FillTime time.Time       `json:"fill_time"`
}
