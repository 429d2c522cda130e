package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/gregtusar/sigtrader/pkg/notify"
	"github.com/sirupsen/logrus"
)

// Reconciler periodically overwrites local position state with the broker's
// net positions, which are authoritative.
type Reconciler struct {
	broker   Broker
	session  SessionSource
	book     *PositionBook
	notifier notify.Notifier
	logger   *logrus.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewReconciler(broker Broker, session SessionSource, book *PositionBook, notifier notify.Notifier, logger *logrus.Logger) *Reconciler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reconciler{
		broker:   broker,
		session:  session,
		book:     book,
		notifier: notifier,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Discrepancy is one instrument whose local state disagreed with the broker.
type Discrepancy struct {
	InstrumentID string
	Local        models.PositionState
	Broker       models.PositionState
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s: local %s %d, broker %s %d",
		d.InstrumentID, sideOf(d.Local), d.Local.OpenQuantity, sideOf(d.Broker), d.Broker.OpenQuantity)
}

func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.WithError(err).Error("Position reconciliation failed")
			}
		}
	}
}

func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Reconcile fetches broker positions and corrects every instrument whose
// local state differs. Each instrument is corrected under its own lock.
// Instruments traded after the fetch began are left alone; the snapshot is
// already older than their local state.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	token, err := r.session.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	mark := r.book.Mark()
	positions, err := r.broker.GetPositions(ctx, token)
	if err != nil {
		var re *models.RejectionError
		if errors.As(err, &re) && re.SessionInvalid {
			r.session.Invalidate(token)
		}
		return nil, fmt.Errorf("fetching broker positions: %w", err)
	}

	remote := make(map[string]models.PositionState, len(positions))
	for _, p := range positions {
		st := p.State()
		if prev, ok := remote[p.Symbol]; ok {
			// Same symbol under several product types: net them.
			net := signed(prev) + signed(st)
			st = models.Position{Symbol: p.Symbol, NetQuantity: net}.State()
		}
		remote[p.Symbol] = st
	}

	ids := make(map[string]struct{}, len(remote))
	for id := range remote {
		ids[id] = struct{}{}
	}
	for _, st := range r.book.Snapshot() {
		ids[st.InstrumentID] = struct{}{}
	}

	var found []Discrepancy
	for id := range ids {
		if d, ok := r.reconcileOne(ctx, id, remote[id], mark); ok {
			found = append(found, d)
		}
	}

	if len(found) > 0 {
		lines := make([]string, len(found))
		for i, d := range found {
			lines[i] = d.String()
		}
		r.notifier.Notify(notify.Message{
			Level: notify.LevelWarning,
			Title: "Position state corrected from broker",
			Text:  strings.Join(lines, "\n"),
			At:    time.Now(),
		})
	}
	return found, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, id string, brokerState models.PositionState, mark uint64) (Discrepancy, bool) {
	unlock := r.book.Lock(id)
	defer unlock()

	if r.book.ChangedSince(id, mark) {
		r.logger.WithField("instrument", id).Debug("Position changed during reconciliation, skipped")
		return Discrepancy{}, false
	}

	brokerState.InstrumentID = id
	local := r.book.Get(id)
	if sideOf(local) == sideOf(brokerState) && local.OpenQuantity == brokerState.OpenQuantity {
		return Discrepancy{}, false
	}
	brokerState.UpdatedAt = time.Time{}
	r.book.Set(ctx, brokerState)

	d := Discrepancy{InstrumentID: id, Local: local, Broker: brokerState}
	r.logger.WithFields(logrus.Fields{
		"instrument":  id,
		"local_side":  sideOf(local),
		"local_qty":   local.OpenQuantity,
		"broker_side": sideOf(brokerState),
		"broker_qty":  brokerState.OpenQuantity,
	}).Warn("Local position differs from broker, corrected")
	return d, true
}

func signed(st models.PositionState) int {
	switch st.Side {
	case models.PositionLong:
		return st.OpenQuantity
	case models.PositionShort:
		return -st.OpenQuantity
	}
	return 0
}
