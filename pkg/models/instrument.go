package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ExchangeSegment string

const (
	SegmentNSECash       ExchangeSegment = "NSE_CM"
	SegmentNSEDerivative ExchangeSegment = "NSE_FO"
	SegmentNSECurrency   ExchangeSegment = "NSE_CD"
	SegmentBSECash       ExchangeSegment = "BSE_CM"
	SegmentBSEDerivative ExchangeSegment = "BSE_FO"
	SegmentMCXCommodity  ExchangeSegment = "MCX_COM"
)

// Exchange returns the exchange prefix of the segment ("NSE", "BSE", "MCX").
func (s ExchangeSegment) Exchange() string {
	for i := 0; i < len(s); i++ {
		if s[i] == '_' {
			return string(s[:i])
		}
	}
	return string(s)
}

type ResolvedInstrument struct {
	ExchangeSegment ExchangeSegment  `json:"exchange_segment"`
	BrokerSymbol    string           `json:"broker_symbol"`
	LotSize         int              `json:"lot_size"`
	TickSize        decimal.Decimal  `json:"tick_size"`
	Underlying      string           `json:"underlying"`
	Expiry          *time.Time       `json:"expiry,omitempty"`
	Strike          *decimal.Decimal `json:"strike,omitempty"`
	OptionType      *OptionType      `json:"option_type,omitempty"`
	Token           string           `json:"token,omitempty"`
}

// ID is the key positions are tracked under.
func (r ResolvedInstrument) ID() string {
	return r.BrokerSymbol
}
