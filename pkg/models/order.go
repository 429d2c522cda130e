package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	OrderID     string
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Quantity    int
	LimitPrice  decimal.Decimal
	ProductType string
	Tag         string
	Message     string
	CreatedAt   time.Time
}

// PendingOrder is a working order on the broker's book.
type PendingOrder struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Quantity int
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderRequest struct {
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Quantity    int
	LimitPrice  decimal.Decimal
	ProductType string
	Tag         string
}

// RejectionError is returned by a broker client when the broker refused the
// order on business grounds (margin, invalid instrument, ...). The order was
// not placed.
type RejectionError struct {
	Code    int
	Message string
	// SessionInvalid is set when the broker rejected the request because the
	// session token is expired or unknown.
	SessionInvalid bool
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broker rejected request (code %d): %s", e.Code, e.Message)
}

type OutcomeStatus string

const (
	OutcomePlaced   OutcomeStatus = "PLACED"
	OutcomeRejected OutcomeStatus = "REJECTED"
	OutcomeFailed   OutcomeStatus = "FAILED"
)

// Reason codes carried on rejected or failed outcomes.
const (
	ReasonAlreadyOpen      = "ALREADY_OPEN"
	ReasonNothingToExit    = "NOTHING_TO_EXIT"
	ReasonOppositeOpen     = "OPPOSITE_OPEN"
	ReasonQuantityTooSmall = "QUANTITY_TOO_SMALL"
	ReasonBrokerRejected   = "BROKER_REJECTED"
	ReasonBrokerFailure    = "BROKER_FAILURE"
	ReasonSessionInvalid   = "SESSION_INVALID"
	ReasonAuthFailed       = "AUTH_FAILED"
)

type OrderOutcome struct {
	Status        OutcomeStatus
	BrokerOrderID string
	Reason        string
	Detail        string
	Side          OrderSide
	Quantity      int
	// AdjustedFrom holds the requested quantity when it had to be rounded to
	// a lot multiple or capped at the open quantity. Zero when unchanged.
	AdjustedFrom int
	From         PositionSide
	To           PositionSide
}
