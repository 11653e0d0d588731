package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"follower-platform/internal/database"
	"follower-platform/internal/kraken"
)

// RoundTrip is a realized position rebuilt from the fill log
type RoundTrip struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
}

// position is the per-symbol open-position accumulator
type position struct {
	side      string
	amount    decimal.Decimal
	avgEntry  decimal.Decimal
	entryTime time.Time // first fill that contributed to this position
}

// PairFills rebuilds round trips from a time-ordered fill log. One
// accumulator per symbol tracks the open position: a fill with no open
// position or matching the position's direction extends it at a
// volume-weighted entry price; an opposite fill realizes a round trip for
// min(fill, open). A closing fill larger than the open amount closes the
// position and opens a fresh one on the other side with the excess.
func PairFills(fills []kraken.Fill) []RoundTrip {
	positions := make(map[string]*position)
	var trips []RoundTrip

	for _, fill := range fills {
		if fill.Size.LessThanOrEqual(decimal.Zero) {
			continue
		}

		fillSide := database.SideShort
		if fill.Side == kraken.SideBuy {
			fillSide = database.SideLong
		}

		pos, open := positions[fill.Symbol]
		if !open {
			positions[fill.Symbol] = &position{
				side:      fillSide,
				amount:    fill.Size,
				avgEntry:  fill.Price,
				entryTime: fill.FillTime,
			}
			continue
		}

		if fillSide == pos.side {
			newAmount := pos.amount.Add(fill.Size)
			pos.avgEntry = pos.avgEntry.Mul(pos.amount).
				Add(fill.Price.Mul(fill.Size)).
				Div(newAmount)
			pos.amount = newAmount
			continue
		}

		closed := decimal.Min(fill.Size, pos.amount)
		excess := fill.Size.Sub(pos.amount)
		trips = append(trips, realize(fill.Symbol, pos, closed, fill))

		pos.amount = pos.amount.Sub(closed)
		if pos.amount.IsZero() {
			if excess.IsPositive() {
				positions[fill.Symbol] = &position{
					side:      fillSide,
					amount:    excess,
					avgEntry:  fill.Price,
					entryTime: fill.FillTime,
				}
			} else {
				delete(positions, fill.Symbol)
			}
		}
	}

	return trips
}

// realize closes qty of the open position against the exit fill
func realize(symbol string, pos *position, qty decimal.Decimal, exit kraken.Fill) RoundTrip {
	var pnl decimal.Decimal
	if pos.side == database.SideLong {
		pnl = exit.Price.Sub(pos.avgEntry).Mul(qty)
	} else {
		pnl = pos.avgEntry.Sub(exit.Price).Mul(qty)
	}

	var pnlPercent decimal.Decimal
	if costBasis := pos.avgEntry.Mul(qty); costBasis.IsPositive() {
		pnlPercent = pnl.Div(costBasis).Mul(decimal.NewFromInt(100)).Round(4)
	}

	return RoundTrip{
		Symbol:     symbol,
		Side:       pos.side,
		EntryPrice: pos.avgEntry,
		ExitPrice:  exit.Price,
		Quantity:   qty,
		EntryTime:  pos.entryTime,
		ExitTime:   exit.FillTime,
		PnL:        pnl,
		PnLPercent: pnlPercent,
	}
}
