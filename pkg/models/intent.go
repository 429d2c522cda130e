package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionEnterLong  Action = "ENTER_LONG"
	ActionEnterShort Action = "ENTER_SHORT"
	ActionExitLong   Action = "EXIT_LONG"
	ActionExitShort  Action = "EXIT_SHORT"
)

// IsEntry reports whether the action opens a position.
func (a Action) IsEntry() bool {
	return a == ActionEnterLong || a == ActionEnterShort
}

// Side is the position side the action refers to.
func (a Action) Side() PositionSide {
	switch a {
	case ActionEnterLong, ActionExitLong:
		return PositionLong
	case ActionEnterShort, ActionExitShort:
		return PositionShort
	}
	return PositionFlat
}

// OrderSide is the order direction needed to carry the action out.
func (a Action) OrderSide() OrderSide {
	if a == ActionEnterLong || a == ActionExitShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

type OptionType string

const (
	OptionCall   OptionType = "CALL"
	OptionPut    OptionType = "PUT"
	OptionFuture OptionType = "FUTURE"
)

// TradeIntent is the structured form of an alert. Optional fields are nil
// when the alert did not carry them.
type TradeIntent struct {
	Action       Action           `json:"action"`
	Exchange     string           `json:"exchange"`
	Underlying   string           `json:"underlying"`
	Expiry       *time.Time       `json:"expiry,omitempty"`
	Strike       *decimal.Decimal `json:"strike,omitempty"`
	OptionType   *OptionType      `json:"option_type,omitempty"`
	QuantityHint *int             `json:"quantity_hint,omitempty"`
	// QuantityLots is a size in lots, used when QuantityHint is absent.
	QuantityLots *int `json:"quantity_lots,omitempty"`
	// RemainingLots makes an exit partial: the position is reduced until
	// this many lots are left.
	RemainingLots *int             `json:"remaining_lots,omitempty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StrategyTag   string           `json:"strategy_tag"`
	// AnySide exits whichever side is open; Action only names a default.
	AnySide bool `json:"any_side,omitempty"`
}
