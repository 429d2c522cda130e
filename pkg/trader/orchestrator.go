// Package trader turns resolved trade intents into broker orders while
// keeping per-instrument position state consistent.
package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Broker is the part of the broker API the orchestrator and reconciler need.
type Broker interface {
	PlaceOrder(ctx context.Context, token models.SessionToken, order *models.OrderRequest) (*models.Order, error)
	GetPositions(ctx context.Context, token models.SessionToken) ([]models.Position, error)
	PendingOrders(ctx context.Context, token models.SessionToken) ([]models.PendingOrder, error)
	CancelOrder(ctx context.Context, token models.SessionToken, orderID string) error
}

// SessionSource hands out a session token fresh enough to use, refreshing
// it first when needed.
type SessionSource interface {
	Current(ctx context.Context) (models.SessionToken, error)
	Invalidate(token models.SessionToken)
}

type Config struct {
	// DefaultLotMultiple is the number of lots traded when an entry alert
	// carries no quantity and the underlying has no entry in DefaultLots.
	DefaultLotMultiple int
	DefaultLots        map[string]int
	RequestTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultLotMultiple: 1,
		RequestTimeout:     10 * time.Second,
	}
}

type Orchestrator struct {
	broker  Broker
	session SessionSource
	book    *PositionBook
	cfg     Config
	logger  *logrus.Logger
}

func NewOrchestrator(broker Broker, session SessionSource, book *PositionBook, cfg Config, logger *logrus.Logger) *Orchestrator {
	if cfg.DefaultLotMultiple <= 0 {
		cfg.DefaultLotMultiple = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	lots := make(map[string]int, len(cfg.DefaultLots))
	for k, v := range cfg.DefaultLots {
		lots[strings.ToUpper(k)] = v
	}
	cfg.DefaultLots = lots
	return &Orchestrator{
		broker:  broker,
		session: session,
		book:    book,
		cfg:     cfg,
		logger:  logger,
	}
}

func (o *Orchestrator) Book() *PositionBook {
	return o.book
}

// Execute evaluates intent against the instrument's position state and, when
// allowed, places exactly one order. The instrument stays locked from the
// decision until the resulting state transition is recorded.
func (o *Orchestrator) Execute(ctx context.Context, intent models.TradeIntent, inst models.ResolvedInstrument) models.OrderOutcome {
	id := inst.ID()
	unlock := o.book.Lock(id)
	defer unlock()
	o.book.remember(inst)

	current := o.book.Get(id)
	if intent.AnySide && !intent.Action.IsEntry() && !current.IsFlat() {
		intent.Action = exitOf(current.Side)
	}
	outcome := models.OrderOutcome{
		Side: intent.Action.OrderSide(),
		From: sideOf(current),
		To:   sideOf(current),
	}

	qty, adjustedFrom, reject := o.quantityFor(intent, inst, current)
	if reject != "" {
		outcome.Status = models.OutcomeRejected
		outcome.Reason = reject
		outcome.Detail = rejectDetail(reject, intent, current)
		o.logger.WithFields(logrus.Fields{
			"instrument": id,
			"action":     intent.Action,
			"position":   current.Side,
			"reason":     reject,
		}).Info("Alert rejected by position rules")
		return outcome
	}
	outcome.Quantity = qty
	outcome.AdjustedFrom = adjustedFrom

	req := &models.OrderRequest{
		Symbol:   inst.BrokerSymbol,
		Side:     intent.Action.OrderSide(),
		Type:     models.OrderTypeMarket,
		Quantity: qty,
		Tag:      intent.StrategyTag,
	}
	if intent.LimitPrice != nil {
		req.Type = models.OrderTypeLimit
		req.LimitPrice = roundToTick(*intent.LimitPrice, inst.TickSize)
	}

	token, err := o.session.Current(ctx)
	if err != nil {
		outcome.Status = models.OutcomeFailed
		outcome.Reason = models.ReasonAuthFailed
		outcome.Detail = err.Error()
		o.logger.WithError(err).WithField("instrument", id).Error("No usable session, order not placed")
		return outcome
	}

	// The order must not be abandoned halfway because the alert sender went
	// away; only the request timeout bounds it.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RequestTimeout)
	defer cancel()

	order, err := o.broker.PlaceOrder(reqCtx, token, req)
	if err != nil {
		return o.failedOrder(outcome, token, id, err)
	}

	outcome.Status = models.OutcomePlaced
	outcome.BrokerOrderID = order.OrderID
	next := o.transition(intent, current, qty)
	// The order is live; record it even if the caller has gone.
	o.book.Set(context.WithoutCancel(ctx), next)
	outcome.To = sideOf(next)

	o.logger.WithFields(logrus.Fields{
		"instrument": id,
		"order_id":   order.OrderID,
		"side":       req.Side,
		"quantity":   qty,
		"from":       outcome.From,
		"to":         outcome.To,
	}).Info("Order placed")
	return outcome
}

func (o *Orchestrator) failedOrder(outcome models.OrderOutcome, token models.SessionToken, id string, err error) models.OrderOutcome {
	var re *models.RejectionError
	switch {
	case errors.As(err, &re) && re.SessionInvalid:
		o.session.Invalidate(token)
		outcome.Status = models.OutcomeFailed
		outcome.Reason = models.ReasonSessionInvalid
		outcome.Detail = re.Message
	case errors.As(err, &re):
		outcome.Status = models.OutcomeRejected
		outcome.Reason = models.ReasonBrokerRejected
		outcome.Detail = re.Message
	default:
		outcome.Status = models.OutcomeFailed
		outcome.Reason = models.ReasonBrokerFailure
		outcome.Detail = err.Error()
	}
	o.logger.WithError(err).WithFields(logrus.Fields{
		"instrument": id,
		"status":     outcome.Status,
		"reason":     outcome.Reason,
	}).Warn("Order not placed")
	return outcome
}

// quantityFor applies the position rules and works out the order quantity.
// It returns a reason code instead when the action is not allowed.
func (o *Orchestrator) quantityFor(intent models.TradeIntent, inst models.ResolvedInstrument, current models.PositionState) (qty, adjustedFrom int, reason string) {
	want := intent.Action.Side()
	lot := inst.LotSize
	if lot <= 0 {
		lot = 1
	}

	if intent.Action.IsEntry() {
		if !current.IsFlat() {
			if current.Side == want {
				return 0, 0, models.ReasonAlreadyOpen
			}
			return 0, 0, models.ReasonOppositeOpen
		}
		requested := o.defaultLots(intent.Underlying) * lot
		switch {
		case intent.QuantityHint != nil:
			requested = *intent.QuantityHint
		case intent.QuantityLots != nil:
			requested = *intent.QuantityLots * lot
		}
		qty = requested / lot * lot
		if qty <= 0 {
			return 0, 0, models.ReasonQuantityTooSmall
		}
		if qty != requested {
			adjustedFrom = requested
		}
		return qty, adjustedFrom, ""
	}

	if current.IsFlat() || current.Side != want {
		return 0, 0, models.ReasonNothingToExit
	}
	var requested int
	switch {
	case intent.QuantityHint != nil:
		requested = *intent.QuantityHint
	case intent.QuantityLots != nil:
		requested = *intent.QuantityLots * lot
	case intent.RemainingLots != nil:
		requested = current.OpenQuantity - *intent.RemainingLots*lot
		if requested <= 0 {
			return 0, 0, models.ReasonQuantityTooSmall
		}
	default:
		return current.OpenQuantity, 0, ""
	}
	if requested >= current.OpenQuantity {
		if requested > current.OpenQuantity {
			adjustedFrom = requested
		}
		return current.OpenQuantity, adjustedFrom, ""
	}
	qty = requested / lot * lot
	if qty <= 0 {
		return 0, 0, models.ReasonQuantityTooSmall
	}
	if qty != requested {
		adjustedFrom = requested
	}
	return qty, adjustedFrom, ""
}

func (o *Orchestrator) defaultLots(underlying string) int {
	if n, ok := o.cfg.DefaultLots[strings.ToUpper(underlying)]; ok && n > 0 {
		return n
	}
	return o.cfg.DefaultLotMultiple
}

func (o *Orchestrator) transition(intent models.TradeIntent, current models.PositionState, qty int) models.PositionState {
	next := models.PositionState{InstrumentID: current.InstrumentID}
	if intent.Action.IsEntry() {
		next.Side = intent.Action.Side()
		next.OpenQuantity = qty
		return next
	}
	next.OpenQuantity = current.OpenQuantity - qty
	next.Side = current.Side
	if next.OpenQuantity <= 0 {
		next.Side = models.PositionFlat
		next.OpenQuantity = 0
	}
	return next
}

// ExitResult is the outcome of one exit issued by ExitAll.
type ExitResult struct {
	Intent     models.TradeIntent
	Instrument models.ResolvedInstrument
	Outcome    models.OrderOutcome
}

// ExitAll issues one full exit per open position.
func (o *Orchestrator) ExitAll(ctx context.Context, tag string) []ExitResult {
	open := o.book.Snapshot()
	results := make([]ExitResult, 0, len(open))
	for _, st := range open {
		inst := o.book.Instrument(st.InstrumentID)
		intent := models.TradeIntent{
			Action:      exitOf(st.Side),
			Underlying:  inst.Underlying,
			StrategyTag: tag,
		}
		results = append(results, ExitResult{
			Intent:     intent,
			Instrument: inst,
			Outcome:    o.Execute(ctx, intent, inst),
		})
	}
	return results
}

// CancelResult lists the pending orders CancelAll found and the ones it
// could not cancel.
type CancelResult struct {
	Pending []models.PendingOrder
	Failed  map[string]error
}

func (r CancelResult) Cancelled() int {
	return len(r.Pending) - len(r.Failed)
}

// CancelAll cancels every order still pending at the broker, one at a time.
// Position state is untouched: pending orders never changed it.
func (o *Orchestrator) CancelAll(ctx context.Context) (CancelResult, error) {
	token, err := o.session.Current(ctx)
	if err != nil {
		return CancelResult{}, fmt.Errorf("session: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RequestTimeout)
	pending, err := o.broker.PendingOrders(reqCtx, token)
	cancel()
	if err != nil {
		if sessionRejected(err) {
			o.session.Invalidate(token)
		}
		return CancelResult{}, fmt.Errorf("listing pending orders: %w", err)
	}

	res := CancelResult{Pending: pending, Failed: make(map[string]error)}
	for _, p := range pending {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RequestTimeout)
		err := o.broker.CancelOrder(reqCtx, token, p.OrderID)
		cancel()
		log := o.logger.WithFields(logrus.Fields{"order_id": p.OrderID, "symbol": p.Symbol})
		if err != nil {
			res.Failed[p.OrderID] = err
			log.WithError(err).Warn("Order not cancelled")
			if sessionRejected(err) {
				o.session.Invalidate(token)
			}
			continue
		}
		log.Info("Order cancelled")
	}
	return res, nil
}

func sessionRejected(err error) bool {
	var re *models.RejectionError
	return errors.As(err, &re) && re.SessionInvalid
}

func exitOf(side models.PositionSide) models.Action {
	if side == models.PositionShort {
		return models.ActionExitShort
	}
	return models.ActionExitLong
}

func sideOf(st models.PositionState) models.PositionSide {
	if st.IsFlat() {
		return models.PositionFlat
	}
	return st.Side
}

// roundToTick rounds price to the nearest multiple of tick.
func roundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	rounded := price.Div(tick).Round(0).Mul(tick)
	if !rounded.IsPositive() {
		return tick
	}
	return rounded
}

func rejectDetail(reason string, intent models.TradeIntent, current models.PositionState) string {
	switch reason {
	case models.ReasonAlreadyOpen, models.ReasonOppositeOpen:
		return fmt.Sprintf("%s while %s %d open", intent.Action, current.Side, current.OpenQuantity)
	case models.ReasonNothingToExit:
		return fmt.Sprintf("%s while %s", intent.Action, sideOf(current))
	case models.ReasonQuantityTooSmall:
		return "quantity is below one lot"
	}
	return reason
}
