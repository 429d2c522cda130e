package models

import (
	"time"
)

type PositionSide string

const (
	PositionFlat  PositionSide = "FLAT"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionState is the locally tracked position of one instrument. It is
// advisory; the broker's net position is authoritative.
type PositionState struct {
	InstrumentID string       `json:"instrument_id"`
	Side         PositionSide `json:"side"`
	OpenQuantity int          `json:"open_quantity"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (p PositionState) IsFlat() bool {
	return p.Side == PositionFlat || p.Side == "" || p.OpenQuantity == 0
}

// Position is a broker-reported net position.
type Position struct {
	Symbol      string
	NetQuantity int // positive = long, negative = short
	ProductType string
	UpdatedAt   time.Time
}

// State converts a broker net position into local position state.
func (p Position) State() PositionState {
	st := PositionState{InstrumentID: p.Symbol, Side: PositionFlat, UpdatedAt: p.UpdatedAt}
	switch {
	case p.NetQuantity > 0:
		st.Side = PositionLong
		st.OpenQuantity = p.NetQuantity
	case p.NetQuantity < 0:
		st.Side = PositionShort
		st.OpenQuantity = -p.NetQuantity
	}
	return st
}
