package instrument

import (
	"sort"
	"strings"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/shopspring/decimal"
)

// Entry is one tradable row of the broker symbol master.
type Entry struct {
	Segment     models.ExchangeSegment
	Symbol      string // broker symbol, e.g. NSE:NIFTY24DEC24000CE
	Token       string
	Description string
	Underlying  string
	Expiry      *time.Time // civil date at UTC midnight
	Strike      *decimal.Decimal
	OptionType  *models.OptionType // nil for cash instruments
	LotSize     int
	TickSize    decimal.Decimal
}

func (e Entry) isCash() bool {
	return e.OptionType == nil
}

func (e Entry) resolved() models.ResolvedInstrument {
	return models.ResolvedInstrument{
		ExchangeSegment: e.Segment,
		BrokerSymbol:    e.Symbol,
		LotSize:         e.LotSize,
		TickSize:        e.TickSize,
		Underlying:      e.Underlying,
		Expiry:          e.Expiry,
		Strike:          e.Strike,
		OptionType:      e.OptionType,
		Token:           e.Token,
	}
}

// Catalog is an immutable, indexed snapshot of the symbol master. It is
// safe for concurrent readers.
type Catalog struct {
	entries  []Entry
	index    map[string][]int
	loadedAt time.Time
}

func NewCatalog(entries []Entry, loadedAt time.Time) *Catalog {
	c := &Catalog{
		entries:  make([]Entry, len(entries)),
		index:    make(map[string][]int),
		loadedAt: loadedAt,
	}
	copy(c.entries, entries)
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].Symbol < c.entries[j].Symbol
	})
	for i, e := range c.entries {
		k := key(e.Segment.Exchange(), e.Underlying)
		c.index[k] = append(c.index[k], i)
	}
	return c
}

func key(exchange, underlying string) string {
	return strings.ToUpper(exchange) + ":" + strings.ToUpper(underlying)
}

// Lookup returns every entry for an underlying on an exchange.
func (c *Catalog) Lookup(exchange, underlying string) []Entry {
	idx := c.index[key(exchange, underlying)]
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.entries[i])
	}
	return out
}

// Len is zero for a nil catalog.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

func (c *Catalog) LoadedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.loadedAt
}

// DateOf returns the calendar date of t in loc as a UTC-midnight time, the
// representation used for every expiry.
func DateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
