package signal

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type tokenKind int

const (
	tokUnknown tokenKind = iota
	tokTrigger
	tokSide
	tokPhase
	tokOptionType
	tokQuantityKey
	tokPriceKey
	tokNumber
	tokExpiry
	tokTag
	tokContinuousFuture
	tokCompactOption
	tokWord
)

func (k tokenKind) String() string {
	switch k {
	case tokTrigger:
		return "trigger"
	case tokSide:
		return "side"
	case tokPhase:
		return "phase"
	case tokOptionType:
		return "option type"
	case tokQuantityKey:
		return "quantity keyword"
	case tokPriceKey:
		return "price keyword"
	case tokNumber:
		return "number"
	case tokExpiry:
		return "expiry"
	case tokTag:
		return "tag"
	case tokContinuousFuture:
		return "continuous future"
	case tokCompactOption:
		return "option symbol"
	case tokWord:
		return "word"
	}
	return "unknown"
}

type token struct {
	kind     tokenKind
	text     string // upper-cased token text
	exchange string // exchange prefix such as NSE in "NSE:NIFTY"
	groups   []string
}

var (
	sideWords = map[string]string{
		"BUY": "BUY", "SELL": "SELL", "LONG": "LONG", "SHORT": "SHORT",
	}
	phaseWords = map[string]string{
		"ENTRY": "ENTRY", "ENTER": "ENTRY", "OPEN": "ENTRY",
		"EXIT": "EXIT", "CLOSE": "EXIT", "SL": "EXIT", "TP": "EXIT", "BE": "EXIT", "SQUAREOFF": "EXIT",
	}
	optionWords = map[string]string{
		"CE": "CALL", "CALL": "CALL",
		"PE": "PUT", "PUT": "PUT",
		"FUT": "FUTURE", "FUTURE": "FUTURE", "FUTURES": "FUTURE",
	}
	quantityWords = map[string]bool{"QTY": true, "QUANTITY": true}
	priceWords    = map[string]bool{"PRICE": true, "@": true}
	exchanges     = map[string]bool{"NSE": true, "BSE": true, "MCX": true}
)

// rule classifies a token by pattern. Rules are tried in order; keyword
// tables are consulted before any rule.
type rule struct {
	kind    tokenKind
	pattern *regexp.Regexp
}

var rules = []rule{
	{tokTag, regexp.MustCompile(`^(?:TAG|STRATEGY)[=:](.+)$`)},
	{tokCompactOption, regexp.MustCompile(`^([A-Z][A-Z&-]*?)(\d{2})(\d{2})(\d{2})([CP])(\d+(?:\.\d+)?)$`)},
	{tokContinuousFuture, regexp.MustCompile(`^([A-Z][A-Z&-]*?)\d*!$`)},
	{tokExpiry, regexp.MustCompile(`^(\d{1,2})(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)(\d{2}|\d{4})$`)},
	{tokExpiry, regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)},
	{tokNumber, regexp.MustCompile(`^[-+]?\d+(?:\.\d+)?$`)},
	{tokWord, regexp.MustCompile(`^[A-Z][A-Z0-9&_-]*$`)},
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', ',', ';', '|':
		return true
	}
	return false
}

// tokenize splits raw alert text into classified tokens. QTY=50 and
// PRICE=101.5 are split into keyword and value.
func tokenize(raw string, triggers map[string]bool) []token {
	fields := strings.FieldsFunc(strings.ToUpper(raw), isSeparator)
	tokens := make([]token, 0, len(fields))
	for _, f := range fields {
		if key, val, ok := strings.Cut(f, "="); ok && (quantityWords[key] || priceWords[key]) {
			tokens = append(tokens, classify(key, triggers), classify(val, triggers))
			continue
		}
		tokens = append(tokens, classify(f, triggers))
	}
	return tokens
}

func classify(text string, triggers map[string]bool) token {
	tok := token{text: text}

	if exch, rest, ok := strings.Cut(text, ":"); ok && exchanges[exch] && rest != "" {
		tok = classify(rest, triggers)
		tok.exchange = exch
		return tok
	}

	switch {
	case triggers[text]:
		tok.kind = tokTrigger
	case sideWords[text] != "":
		tok.kind, tok.text = tokSide, sideWords[text]
	case phaseWords[text] != "":
		tok.kind, tok.text = tokPhase, phaseWords[text]
	case optionWords[text] != "":
		tok.kind, tok.text = tokOptionType, optionWords[text]
	case quantityWords[text]:
		tok.kind = tokQuantityKey
	case priceWords[text]:
		tok.kind = tokPriceKey
	default:
		for _, r := range rules {
			if m := r.pattern.FindStringSubmatch(text); m != nil {
				tok.kind = r.kind
				tok.groups = m[1:]
				break
			}
		}
	}
	return tok
}

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March, "APR": time.April,
	"MAY": time.May, "JUN": time.June, "JUL": time.July, "AUG": time.August,
	"SEP": time.September, "OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// expiryOf converts an expiry token to a calendar date at UTC midnight.
func expiryOf(tok token) (time.Time, bool) {
	var (
		t   time.Time
		err error
	)
	if mon, ok := months[tok.groups[1]]; ok {
		day, err := strconv.Atoi(tok.groups[0])
		if err != nil {
			return time.Time{}, false
		}
		year, err := strconv.Atoi(tok.groups[2])
		if err != nil {
			return time.Time{}, false
		}
		if year < 100 {
			year += 2000
		}
		t = time.Date(year, mon, day, 0, 0, 0, 0, time.UTC)
		if t.Day() != day || t.Month() != mon {
			return time.Time{}, false
		}
		return t, true
	}
	t, err = time.Parse("2006-01-02", tok.text)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// compactExpiry builds the date of a compact option symbol (yymmdd groups).
func compactExpiry(yy, mm, dd string) (time.Time, bool) {
	t, err := time.Parse("060102", yy+mm+dd)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func decimalOf(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
