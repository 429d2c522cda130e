package trader

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/gregtusar/sigtrader/pkg/store"
	"github.com/sirupsen/logrus"
)

// PositionBook holds the local position state per instrument and the
// per-instrument locks that serialize decisions about it.
type PositionBook struct {
	store  store.PositionStore
	logger *logrus.Logger
	now    func() time.Time

	mu     sync.RWMutex
	states map[string]models.PositionState
	// instruments remembers what each tracked id resolved to, for exit-all.
	instruments map[string]models.ResolvedInstrument
	// seq counts every Set; changed holds the seq of each id's last Set,
	// including ids that went flat.
	seq     uint64
	changed map[string]uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewPositionBook creates an empty book. st may be nil to keep state in
// memory only.
func NewPositionBook(st store.PositionStore, logger *logrus.Logger) *PositionBook {
	return &PositionBook{
		store:       st,
		logger:      logger,
		now:         time.Now,
		states:      make(map[string]models.PositionState),
		instruments: make(map[string]models.ResolvedInstrument),
		changed:     make(map[string]uint64),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Restore loads persisted positions into the book.
func (b *PositionBook) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	states, err := b.store.ListPositions(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	for _, st := range states {
		b.states[st.InstrumentID] = st
	}
	b.mu.Unlock()
	b.logger.WithField("positions", len(states)).Info("Restored open positions")
	return nil
}

// Lock acquires the instrument's lock and returns its release function.
// Locks live for the life of the process; the set of traded instruments is small.
func (b *PositionBook) Lock(instrumentID string) func() {
	b.locksMu.Lock()
	l, ok := b.locks[instrumentID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[instrumentID] = l
	}
	b.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (b *PositionBook) Get(instrumentID string) models.PositionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.states[instrumentID]
	if !ok {
		return models.PositionState{InstrumentID: instrumentID, Side: models.PositionFlat}
	}
	return st
}

// Set records a new state and writes it through to the store. Store errors
// are logged; the in-memory state is updated regardless.
func (b *PositionBook) Set(ctx context.Context, st models.PositionState) {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = b.now()
	}
	if st.OpenQuantity <= 0 {
		st.Side = models.PositionFlat
		st.OpenQuantity = 0
	}

	b.mu.Lock()
	b.seq++
	b.changed[st.InstrumentID] = b.seq
	if st.IsFlat() {
		delete(b.states, st.InstrumentID)
	} else {
		b.states[st.InstrumentID] = st
	}
	b.mu.Unlock()

	if b.store == nil {
		return
	}
	if err := b.store.SavePosition(ctx, st); err != nil {
		b.logger.WithError(err).WithField("instrument", st.InstrumentID).Error("Failed to persist position")
	}
}

// Mark returns a point in the book's change sequence for ChangedSince.
func (b *PositionBook) Mark() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// ChangedSince reports whether the instrument's state was set after mark.
func (b *PositionBook) ChangedSince(instrumentID string, mark uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed[instrumentID] > mark
}

func (b *PositionBook) remember(inst models.ResolvedInstrument) {
	b.mu.Lock()
	b.instruments[inst.ID()] = inst
	b.mu.Unlock()
}

// Instrument returns the last resolved instrument seen for id. Positions
// restored from the store or the broker only carry the symbol.
func (b *PositionBook) Instrument(instrumentID string) models.ResolvedInstrument {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if inst, ok := b.instruments[instrumentID]; ok {
		return inst
	}
	return models.ResolvedInstrument{BrokerSymbol: instrumentID, LotSize: 1}
}

// Snapshot returns the open positions ordered by instrument id.
func (b *PositionBook) Snapshot() []models.PositionState {
	b.mu.RLock()
	out := make([]models.PositionState, 0, len(b.states))
	for _, st := range b.states {
		out = append(out, st)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}
