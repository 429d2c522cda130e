package signal

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gregtusar/sigtrader/pkg/models"
)

// Chart strategy fill messages, for example:
//
//	radhe algo order buy @ 2 filled on NSE:NIFTY1!. New strategy position is 2
//	open : 24010.5 order_type : LMT
//	comment = Long Entry
//
// The comment names what the strategy did; the position size is in lots.
var (
	legacyFilled    = regexp.MustCompile(`(?i)filled on (\S+?):(\S+)`)
	legacyPosition  = regexp.MustCompile(`(?i)new strategy position is ([-+]?\d+)`)
	legacyComment   = regexp.MustCompile(`(?i)comment\s*=\s*([^\n]+)`)
	legacyOpen      = regexp.MustCompile(`(?i)\bopen\s*:\s*(\d+(?:\.\d+)?)`)
	legacyOrderType = regexp.MustCompile(`(?i)order_type\s*:\s*(\S+)`)
)

type legacyMove int

const (
	moveEnterLong legacyMove = iota + 1
	moveEnterShort
	moveExitLong
	moveExitShort
	// movePartialExit reduces whichever side is open to the new position size.
	movePartialExit
	// moveExitSymbol closes whichever side is open.
	moveExitSymbol
)

var legacyComments = map[string]legacyMove{
	"long entry":  moveEnterLong,
	"short entry": moveEnterShort,

	"long exit":                       moveExitLong,
	"remaining long exit":             moveExitLong,
	"stop loss long exit":             moveExitLong,
	"long sl":                         moveExitLong,
	"long tp":                         moveExitLong,
	"long be":                         moveExitLong,
	"close entry(s) order long entry": moveExitLong,

	"short exit":                       moveExitShort,
	"remaining short exit":             moveExitShort,
	"stop loss short":                  moveExitShort,
	"short sl":                         moveExitShort,
	"short tp":                         moveExitShort,
	"short be":                         moveExitShort,
	"close entry(s) order short entry": moveExitShort,

	"exit fifty at two x":        movePartialExit,
	"long exit fifty at three x": movePartialExit,

	"exit all": moveExitSymbol,
}

func isLegacyAlert(text string) bool {
	return legacyFilled.MatchString(text) && legacyPosition.MatchString(text)
}

func (p *Parser) parseLegacy(text string) (models.TradeIntent, error) {
	filled := legacyFilled.FindStringSubmatch(text)
	b := &intentBuilder{exchange: strings.ToUpper(filled[1])}
	if !exchanges[b.exchange] {
		return models.TradeIntent{}, newError(KindMalformed, "unsupported exchange %q", filled[1])
	}
	if err := b.setTicker(strings.TrimRight(filled[2], ".,")); err != nil {
		return models.TradeIntent{}, err
	}

	m := legacyComment.FindStringSubmatch(text)
	if m == nil {
		return models.TradeIntent{}, newError(KindMalformed, "no comment in strategy alert")
	}
	comment := strings.Join(strings.Fields(strings.ToLower(m[1])), " ")
	move, ok := legacyComments[comment]
	if !ok {
		return models.TradeIntent{}, newError(KindMalformed, "unknown strategy comment %q", m[1])
	}

	raw := legacyPosition.FindStringSubmatch(text)[1]
	position, err := strconv.Atoi(raw)
	if err != nil {
		return models.TradeIntent{}, newError(KindInvalidQuantity, "position size %q is out of range", raw)
	}
	if position < 0 {
		position = -position
	}
	if position > maxLots {
		return models.TradeIntent{}, newError(KindInvalidQuantity, "position size %d is out of range", position)
	}

	switch move {
	case moveEnterLong, moveEnterShort:
		if position == 0 {
			return models.TradeIntent{}, newError(KindInvalidQuantity, "entry with a flat strategy position")
		}
		b.side, b.phase, b.lots = "LONG", "ENTRY", &position
		if move == moveEnterShort {
			b.side = "SHORT"
		}
	case moveExitLong:
		b.side, b.phase = "LONG", "EXIT"
	case moveExitShort:
		b.side, b.phase = "SHORT", "EXIT"
	case movePartialExit:
		b.side, b.phase, b.anySide, b.remainingLots = "LONG", "EXIT", true, &position
	case moveExitSymbol:
		b.side, b.phase, b.anySide = "LONG", "EXIT", true
	}

	if move == moveEnterLong || move == moveEnterShort {
		if ot := legacyOrderType.FindStringSubmatch(text); ot != nil && strings.EqualFold(ot[1], "LMT") {
			open := legacyOpen.FindStringSubmatch(text)
			if open == nil {
				return models.TradeIntent{}, newError(KindMalformed, "limit order without an open price")
			}
			price, ok := decimalOf(open[1])
			if !ok || !price.IsPositive() {
				return models.TradeIntent{}, newError(KindMalformed, "invalid open price %q", open[1])
			}
			b.price = &price
		}
	}

	return p.build(b)
}
