// Package signal turns free-text trading alerts into structured trade intents.
//
// Alerts follow a small fixed grammar, for example:
//
//	radhe algo BUY NIFTY 24000 CE entry qty 50
//	radhe algo SELL NSE:BANKNIFTY 26DEC24 52000 PE exit
//	radhe algo LONG NIFTY241226C24000 entry qty=75 price=101.5 tag=scalper
//	radhe algo SHORT CRUDEOIL1! entry
//
// Every rejected alert maps to exactly one ParseError kind, and parsing is
// pure: the same text always yields the same intent or error kind.
package signal

import (
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/shopspring/decimal"
)

const DefaultMaxLength = 10000

type Config struct {
	// TriggerKeywords must all appear in an alert for it to be considered.
	TriggerKeywords    []string
	DefaultStrategyTag string
	DefaultExchange    string
	MaxLength          int
}

func DefaultConfig() Config {
	return Config{
		TriggerKeywords:    []string{"radhe", "algo"},
		DefaultStrategyTag: "radhe-algo",
		DefaultExchange:    "NSE",
		MaxLength:          DefaultMaxLength,
	}
}

type Parser struct {
	cfg      Config
	triggers map[string]bool
}

func NewParser(cfg Config) *Parser {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.DefaultExchange == "" {
		cfg.DefaultExchange = "NSE"
	}
	triggers := make(map[string]bool, len(cfg.TriggerKeywords))
	for _, k := range cfg.TriggerKeywords {
		triggers[strings.ToUpper(strings.TrimSpace(k))] = true
	}
	return &Parser{cfg: cfg, triggers: triggers}
}

// intentBuilder accumulates grammar slots while walking the token stream.
type intentBuilder struct {
	side, phase string
	exchange    string
	underlying  string
	optionType  string
	expiry      *time.Time
	strike      *decimal.Decimal
	quantity    *int
	price       *decimal.Decimal
	tag         string

	lots          *int
	remainingLots *int
	anySide       bool
}

// Parse converts alert text into a TradeIntent.
func (p *Parser) Parse(raw string) (models.TradeIntent, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return models.TradeIntent{}, newError(KindNotASignal, "empty alert")
	}
	if len(text) > p.cfg.MaxLength {
		return models.TradeIntent{}, newError(KindMalformed, "alert longer than %d bytes", p.cfg.MaxLength)
	}

	tokens := tokenize(text, p.triggers)
	if !p.hasTriggers(tokens) {
		return models.TradeIntent{}, newError(KindNotASignal, "trigger keywords missing")
	}
	if isLegacyAlert(text) {
		return p.parseLegacy(text)
	}

	b := &intentBuilder{}
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.exchange != "" {
			if b.exchange != "" && b.exchange != tok.exchange {
				return models.TradeIntent{}, newError(KindMalformed, "conflicting exchanges %s and %s", b.exchange, tok.exchange)
			}
			b.exchange = tok.exchange
		}

		var err *ParseError
		switch tok.kind {
		case tokTrigger:
		case tokSide:
			err = setOnce(&b.side, tok.text, "side")
		case tokPhase:
			err = setOnce(&b.phase, tok.text, "entry/exit keyword")
		case tokOptionType:
			err = setOnce(&b.optionType, tok.text, "option type")
		case tokTag:
			err = setOnce(&b.tag, strings.ToLower(tok.groups[0]), "tag")
		case tokWord:
			err = setOnce(&b.underlying, tok.text, "underlying")
		case tokQuantityKey:
			if b.quantity != nil {
				return models.TradeIntent{}, newError(KindMalformed, "quantity given twice")
			}
			if i+1 >= len(tokens) {
				return models.TradeIntent{}, newError(KindInvalidQuantity, "quantity keyword without a value")
			}
			i++
			q, qerr := quantityOf(tokens[i])
			if qerr != nil {
				return models.TradeIntent{}, qerr
			}
			b.quantity = &q
		case tokPriceKey:
			if b.price != nil {
				return models.TradeIntent{}, newError(KindMalformed, "price given twice")
			}
			if i+1 >= len(tokens) || tokens[i+1].kind != tokNumber {
				return models.TradeIntent{}, newError(KindMalformed, "price keyword without a number")
			}
			i++
			d, ok := decimalOf(tokens[i].text)
			if !ok || !d.IsPositive() {
				return models.TradeIntent{}, newError(KindMalformed, "invalid price %q", tokens[i].text)
			}
			b.price = &d
		case tokNumber:
			err = b.setStrike(tok.text)
		case tokExpiry:
			t, ok := expiryOf(tok)
			if !ok {
				return models.TradeIntent{}, newError(KindMalformed, "invalid expiry %q", tok.text)
			}
			err = b.setExpiry(t)
		case tokContinuousFuture:
			if err = setOnce(&b.underlying, tok.groups[0], "underlying"); err == nil {
				err = setOnce(&b.optionType, string(models.OptionFuture), "option type")
			}
		case tokCompactOption:
			err = b.setCompactOption(tok)
		default:
			err = newError(KindMalformed, "unrecognised token %q", tok.text)
		}
		if err != nil {
			return models.TradeIntent{}, err
		}
	}

	return p.build(b)
}

func (p *Parser) hasTriggers(tokens []token) bool {
	seen := make(map[string]bool, len(p.triggers))
	for _, t := range tokens {
		if t.kind == tokTrigger {
			seen[t.text] = true
		}
	}
	return len(seen) == len(p.triggers)
}

func (p *Parser) build(b *intentBuilder) (models.TradeIntent, error) {
	if b.side == "" {
		return models.TradeIntent{}, newError(KindMalformed, "no BUY/SELL/LONG/SHORT keyword")
	}
	if b.phase == "" {
		return models.TradeIntent{}, newError(KindMalformed, "no entry/exit keyword")
	}
	if b.underlying == "" {
		return models.TradeIntent{}, newError(KindMalformed, "no underlying")
	}

	intent := models.TradeIntent{
		Action:        actionOf(b.side, b.phase),
		Exchange:      b.exchange,
		Underlying:    b.underlying,
		Expiry:        b.expiry,
		Strike:        b.strike,
		QuantityHint:  b.quantity,
		QuantityLots:  b.lots,
		RemainingLots: b.remainingLots,
		LimitPrice:    b.price,
		StrategyTag:   b.tag,
		AnySide:       b.anySide,
	}
	if intent.Exchange == "" {
		intent.Exchange = p.cfg.DefaultExchange
	}
	if intent.StrategyTag == "" {
		intent.StrategyTag = p.cfg.DefaultStrategyTag
	}

	if b.optionType != "" {
		ot := models.OptionType(b.optionType)
		intent.OptionType = &ot
	}
	switch {
	case intent.OptionType == nil && intent.Strike != nil:
		return models.TradeIntent{}, newError(KindMalformed, "strike without CE/PE")
	case intent.OptionType == nil && intent.Expiry != nil:
		return models.TradeIntent{}, newError(KindMalformed, "expiry without an instrument type")
	case intent.OptionType != nil && *intent.OptionType == models.OptionFuture && intent.Strike != nil:
		return models.TradeIntent{}, newError(KindMalformed, "future with a strike")
	case intent.OptionType != nil && *intent.OptionType != models.OptionFuture && intent.Strike == nil:
		return models.TradeIntent{}, newError(KindMalformed, "%s without a strike", *intent.OptionType)
	}
	return intent, nil
}

// actionOf maps a side/phase pair to an action. BUY and SELL describe the
// order direction, LONG and SHORT the position being opened or closed.
func actionOf(side, phase string) models.Action {
	entry := phase == "ENTRY"
	switch side {
	case "BUY":
		if entry {
			return models.ActionEnterLong
		}
		return models.ActionExitShort
	case "SELL":
		if entry {
			return models.ActionEnterShort
		}
		return models.ActionExitLong
	case "LONG":
		if entry {
			return models.ActionEnterLong
		}
		return models.ActionExitLong
	default:
		if entry {
			return models.ActionEnterShort
		}
		return models.ActionExitShort
	}
}

func setOnce(dst *string, v, what string) *ParseError {
	if *dst != "" {
		if *dst == v {
			return newError(KindMalformed, "%s repeated", what)
		}
		return newError(KindMalformed, "ambiguous %s: %s and %s", what, *dst, v)
	}
	*dst = v
	return nil
}

func (b *intentBuilder) setStrike(text string) *ParseError {
	if b.strike != nil {
		return newError(KindMalformed, "more than one strike")
	}
	d, ok := decimalOf(text)
	if !ok || !d.IsPositive() {
		return newError(KindMalformed, "invalid strike %q", text)
	}
	b.strike = &d
	return nil
}

func (b *intentBuilder) setExpiry(t time.Time) *ParseError {
	if b.expiry != nil {
		return newError(KindMalformed, "more than one expiry")
	}
	b.expiry = &t
	return nil
}

func (b *intentBuilder) setCompactOption(tok token) *ParseError {
	g := tok.groups
	expiry, ok := compactExpiry(g[1], g[2], g[3])
	if !ok {
		return newError(KindMalformed, "invalid expiry in %q", tok.text)
	}
	optionType := string(models.OptionCall)
	if g[4] == "P" {
		optionType = string(models.OptionPut)
	}
	if err := setOnce(&b.underlying, g[0], "underlying"); err != nil {
		return err
	}
	if err := setOnce(&b.optionType, optionType, "option type"); err != nil {
		return err
	}
	if err := b.setExpiry(expiry); err != nil {
		return err
	}
	return b.setStrike(g[5])
}

// setTicker fills the instrument from a chart ticker: a plain symbol, a
// continuous future such as NIFTY1! or a compact option symbol.
func (b *intentBuilder) setTicker(ticker string) *ParseError {
	tok := classify(strings.ToUpper(strings.TrimSpace(ticker)), nil)
	switch tok.kind {
	case tokWord:
		return setOnce(&b.underlying, tok.text, "underlying")
	case tokContinuousFuture:
		if err := setOnce(&b.underlying, tok.groups[0], "underlying"); err != nil {
			return err
		}
		return setOnce(&b.optionType, string(models.OptionFuture), "option type")
	case tokCompactOption:
		return b.setCompactOption(tok)
	}
	return newError(KindMalformed, "unrecognised ticker %q", ticker)
}

func quantityOf(tok token) (int, *ParseError) {
	if tok.kind != tokNumber || strings.Contains(tok.text, ".") {
		return 0, newError(KindInvalidQuantity, "quantity %q is not an integer", tok.text)
	}
	q, err := strconv.Atoi(strings.TrimPrefix(tok.text, "+"))
	if err != nil {
		return 0, newError(KindInvalidQuantity, "quantity %q is out of range", tok.text)
	}
	if strings.HasPrefix(tok.text, "-") || q <= 0 {
		return 0, newError(KindInvalidQuantity, "quantity %q must be positive", tok.text)
	}
	return q, nil
}

// maxLots bounds sizes given in lots so that lots times the lot size
// cannot overflow.
const maxLots = 1_000_000

func lotsOf(tok token) (int, *ParseError) {
	n, err := quantityOf(tok)
	if err != nil {
		return 0, err
	}
	if n > maxLots {
		return 0, newError(KindInvalidQuantity, "%d lots is out of range", n)
	}
	return n, nil
}
