package signal

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/shopspring/decimal"
)

// JSONAlert is the structured webhook payload produced by charting
// platforms such as TradingView strategy alerts.
type JSONAlert struct {
	Strategy *struct {
		Action       string      `json:"action"`
		Contracts    json.Number `json:"contracts"`
		PositionSize json.Number `json:"position_size"`
	} `json:"strategy"`
	Symbol *struct {
		Exchange string `json:"exchange"`
		Ticker   string `json:"ticker"`
	} `json:"symbol"`
	Price *struct {
		Close json.Number `json:"close"`
	} `json:"price"`
	Meta *struct {
		Tag       string `json:"tag"`
		OrderType string `json:"order_type"`
		Strategy  string `json:"strategy"`
	} `json:"meta"`
}

// ParseJSON converts a JSON alert into a TradeIntent using the same error
// kinds as Parse. strategy.contracts is a size in lots. The action is derived
// from the order direction and the resulting strategy position size: a buy
// that leaves a long position is an entry, a sell that leaves the position
// flat or long is a long exit, and so on.
func (p *Parser) ParseJSON(body []byte) (models.TradeIntent, error) {
	if len(body) > p.cfg.MaxLength {
		return models.TradeIntent{}, newError(KindMalformed, "alert longer than %d bytes", p.cfg.MaxLength)
	}
	var alert JSONAlert
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&alert); err != nil {
		return models.TradeIntent{}, newError(KindMalformed, "invalid JSON: %v", err)
	}
	if alert.Meta == nil {
		return models.TradeIntent{}, newError(KindNotASignal, "no meta.tag")
	}
	if !p.hasTriggers(tokenize(alert.Meta.Tag, p.triggers)) {
		return models.TradeIntent{}, newError(KindNotASignal, "trigger keywords missing from meta.tag")
	}
	if alert.Strategy == nil || alert.Symbol == nil || alert.Price == nil {
		return models.TradeIntent{}, newError(KindMalformed, "strategy, symbol and price are required")
	}

	b := &intentBuilder{exchange: strings.ToUpper(strings.TrimSpace(alert.Symbol.Exchange))}
	if !exchanges[b.exchange] && b.exchange != "" {
		return models.TradeIntent{}, newError(KindMalformed, "unsupported exchange %q", alert.Symbol.Exchange)
	}

	if err := b.setTicker(alert.Symbol.Ticker); err != nil {
		return models.TradeIntent{}, err
	}

	// Chart strategies trade whole contracts, one contract being one lot.
	lots, err := lotsOf(classify(alert.Strategy.Contracts.String(), nil))
	if err != nil {
		return models.TradeIntent{}, err
	}
	b.lots = &lots

	size, perr := decimal.NewFromString(alert.Strategy.PositionSize.String())
	if perr != nil {
		return models.TradeIntent{}, newError(KindMalformed, "invalid position_size %q", alert.Strategy.PositionSize)
	}
	switch strings.ToLower(strings.TrimSpace(alert.Strategy.Action)) {
	case "buy":
		b.side = "BUY"
		b.phase = "EXIT"
		if size.IsPositive() {
			b.phase = "ENTRY"
		}
	case "sell":
		b.side = "SELL"
		b.phase = "EXIT"
		if size.IsNegative() {
			b.phase = "ENTRY"
		}
	default:
		return models.TradeIntent{}, newError(KindMalformed, "unknown action %q", alert.Strategy.Action)
	}

	if strings.EqualFold(strings.TrimSpace(alert.Meta.OrderType), "LMT") {
		price, ok := decimalOf(alert.Price.Close.String())
		if !ok || !price.IsPositive() {
			return models.TradeIntent{}, newError(KindMalformed, "invalid close price %q", alert.Price.Close)
		}
		b.price = &price
	}
	if alert.Meta.Strategy != "" {
		b.tag = strings.ToLower(strings.TrimSpace(alert.Meta.Strategy))
	}

	return p.build(b)
}
