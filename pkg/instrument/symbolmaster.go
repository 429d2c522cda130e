package instrument

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/shopspring/decimal"
)

// Column positions in the broker's headerless symbol-master CSV.
const (
	colToken       = 0
	colDescription = 1
	colLotSize     = 3
	colTickSize    = 4
	colExpiry      = 8
	colSymbol      = 9
	colUnderlying  = 13
	colStrike      = 15
	colOptionType  = 16
	minColumns     = 17
)

// ParseSymbolMaster reads one segment file. Expiry epochs are converted to
// calendar dates in loc (the exchange time zone). Rows that cannot be parsed
// are skipped and counted.
func ParseSymbolMaster(r io.Reader, segment models.ExchangeSegment, loc *time.Location) ([]Entry, int, error) {
	if loc == nil {
		loc = time.UTC
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var (
		entries []Entry
		skipped int
	)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return nil, skipped, fmt.Errorf("reading %s symbol master: %w", segment, err)
		}
		e, ok := parseRow(row, segment, loc)
		if !ok {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}

func parseRow(row []string, segment models.ExchangeSegment, loc *time.Location) (Entry, bool) {
	if len(row) < minColumns {
		return Entry{}, false
	}
	field := func(i int) string { return strings.TrimSpace(row[i]) }

	e := Entry{
		Segment:     segment,
		Symbol:      field(colSymbol),
		Token:       field(colToken),
		Description: field(colDescription),
		Underlying:  strings.ToUpper(field(colUnderlying)),
	}
	if e.Symbol == "" || e.Underlying == "" {
		return Entry{}, false
	}

	lot, err := strconv.ParseFloat(field(colLotSize), 64)
	if err != nil || lot < 1 {
		return Entry{}, false
	}
	e.LotSize = int(lot)
	if e.TickSize, err = decimal.NewFromString(field(colTickSize)); err != nil || !e.TickSize.IsPositive() {
		return Entry{}, false
	}

	derivative := isDerivative(segment)
	switch ot := strings.ToUpper(field(colOptionType)); {
	case derivative && (ot == "CE" || ot == "PE"):
		t := models.OptionCall
		if ot == "PE" {
			t = models.OptionPut
		}
		e.OptionType = &t
		strike, err := decimal.NewFromString(field(colStrike))
		if err != nil || !strike.IsPositive() {
			return Entry{}, false
		}
		e.Strike = &strike
	case derivative:
		t := models.OptionFuture
		e.OptionType = &t
	case strings.HasSuffix(e.Symbol, "-INDEX"):
		return Entry{}, false
	}

	if derivative {
		secs, err := strconv.ParseFloat(field(colExpiry), 64)
		if err != nil || secs <= 0 {
			return Entry{}, false
		}
		d := DateOf(time.Unix(int64(secs), 0), loc)
		e.Expiry = &d
	}
	return e, true
}

func isDerivative(s models.ExchangeSegment) bool {
	switch s {
	case models.SegmentNSEDerivative, models.SegmentBSEDerivative, models.SegmentMCXCommodity, models.SegmentNSECurrency:
		return true
	}
	return false
}
