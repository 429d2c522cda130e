package instrument

import "sync/atomic"

// Holder publishes the current catalog snapshot. Readers never block the
// syncer; a swap is visible to the next Load.
type Holder struct {
	current atomic.Pointer[Catalog]
}

func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	if c != nil {
		h.current.Store(c)
	}
	return h
}

// Load returns the current snapshot, or nil when none has been loaded.
func (h *Holder) Load() *Catalog {
	return h.current.Load()
}

func (h *Holder) Swap(c *Catalog) {
	h.current.Store(c)
}
