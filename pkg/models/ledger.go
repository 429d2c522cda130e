package models

import (
	"time"
)

// LedgerEntry records one processed alert and its outcome. Entries are
// never modified after they are written.
type LedgerEntry struct {
	ID                   string              `json:"id"`
	ReceivedAt           time.Time           `json:"received_at"`
	RawSignal            string              `json:"raw_signal"`
	ParsedIntent         *TradeIntent        `json:"parsed_intent"`
	ResolvedInstrument   *ResolvedInstrument `json:"resolved_instrument"`
	Outcome              OutcomeStatus       `json:"outcome"`
	Reason               string              `json:"reason,omitempty"`
	BrokerOrderID        *string             `json:"broker_order_id"`
	Quantity             int                 `json:"quantity,omitempty"`
	QuantityAdjustedFrom int                 `json:"quantity_adjusted_from,omitempty"`
	ErrorDetail          *string             `json:"error_detail"`
}
