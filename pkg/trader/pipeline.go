package trader

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gregtusar/sigtrader/pkg/instrument"
	"github.com/gregtusar/sigtrader/pkg/ledger"
	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/gregtusar/sigtrader/pkg/notify"
	"github.com/gregtusar/sigtrader/pkg/signal"
	"github.com/sirupsen/logrus"
)

// Event is published for every ledger entry the pipeline writes.
type Event struct {
	Type  string             `json:"type"`
	Entry models.LedgerEntry `json:"entry"`
}

const (
	EventOutcome = "outcome"
	EventExitAll = "exit_all"
)

type Publisher interface {
	Publish(ev Event)
}

type PipelineConfig struct {
	// StaleCatalogThreshold is how many NOT_FOUND results in a row for one
	// underlying trigger a stale-catalog escalation.
	StaleCatalogThreshold int
	ExitAllTag            string
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{StaleCatalogThreshold: 3, ExitAllTag: "exitall"}
}

// Result is what the pipeline did with one alert body.
type Result struct {
	Command signal.Command
	Reply   string
	Entries []models.LedgerEntry
}

// Pipeline runs an alert through parse, resolve and execute, then records
// the outcome in the ledger and tells the operator.
type Pipeline struct {
	parser    *signal.Parser
	resolver  *instrument.Resolver
	catalogs  *instrument.Holder
	orch      *Orchestrator
	ledger    ledger.Ledger
	notifier  notify.Notifier
	publisher Publisher
	cfg       PipelineConfig
	logger    *logrus.Logger
	now       func() time.Time

	missMu sync.Mutex
	misses map[string]int
}

func NewPipeline(parser *signal.Parser, resolver *instrument.Resolver, catalogs *instrument.Holder, orch *Orchestrator, led ledger.Ledger, notifier notify.Notifier, cfg PipelineConfig, logger *logrus.Logger) *Pipeline {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.StaleCatalogThreshold <= 0 {
		cfg.StaleCatalogThreshold = 3
	}
	if cfg.ExitAllTag == "" {
		cfg.ExitAllTag = "exitall"
	}
	return &Pipeline{
		parser:   parser,
		resolver: resolver,
		catalogs: catalogs,
		orch:     orch,
		ledger:   led,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		misses:   make(map[string]int),
	}
}

// SetPublisher attaches the outcome event stream. Call before serving.
func (p *Pipeline) SetPublisher(pub Publisher) {
	p.publisher = pub
}

func (p *Pipeline) Orchestrator() *Orchestrator {
	return p.orch
}

// Handle processes one alert body. Every alert produces exactly one ledger
// entry; operator commands produce one per affected position.
func (p *Pipeline) Handle(ctx context.Context, body []byte) Result {
	raw := string(body)
	if cmd, ok := signal.ParseCommand(raw); ok {
		return p.command(ctx, cmd)
	}

	receivedAt := p.now()
	var (
		intent models.TradeIntent
		err    error
	)
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		intent, err = p.parser.ParseJSON(trimmed)
	} else {
		intent, err = p.parser.Parse(raw)
	}
	if err != nil {
		return p.record(p.parseRejected(receivedAt, raw, err))
	}

	inst, err := p.resolver.Resolve(intent, p.catalogs.Load())
	if err != nil {
		return p.record(p.resolveRejected(receivedAt, raw, intent, err))
	}
	p.resetMisses(intent.Underlying)

	outcome := p.orch.Execute(ctx, intent, inst)
	entry := newEntry(receivedAt, raw)
	entry.ParsedIntent = &intent
	entry.ResolvedInstrument = &inst
	applyOutcome(&entry, outcome)
	p.notifier.Notify(outcomeMessage(intent, inst, outcome, receivedAt))
	return p.record(entry)
}

func (p *Pipeline) parseRejected(at time.Time, raw string, err error) models.LedgerEntry {
	kind, _ := signal.KindOf(err)
	entry := newEntry(at, raw)
	entry.Outcome = models.OutcomeRejected
	entry.Reason = string(kind)
	entry.ErrorDetail = strPtr(err.Error())

	if kind == signal.KindNotASignal {
		p.logger.WithField("length", len(raw)).Debug("Ignoring non-signal message")
		return entry
	}
	p.logger.WithError(err).Warn("Alert could not be parsed")
	p.notifier.Notify(notify.Message{
		Level: notify.LevelWarning,
		Title: "Alert ignored: " + string(kind),
		Text:  fmt.Sprintf("%s\n%s", err.Error(), truncate(raw, 200)),
		At:    at,
	})
	return entry
}

func (p *Pipeline) resolveRejected(at time.Time, raw string, intent models.TradeIntent, err error) models.LedgerEntry {
	kind, _ := instrument.KindOf(err)
	entry := newEntry(at, raw)
	entry.ParsedIntent = &intent
	entry.Outcome = models.OutcomeRejected
	entry.Reason = string(kind)
	entry.ErrorDetail = strPtr(err.Error())
	p.logger.WithError(err).WithField("underlying", intent.Underlying).Warn("Instrument not resolved")

	if kind == instrument.KindNotFound && p.countMiss(intent.Underlying) {
		p.notifier.Notify(notify.Message{
			Level: notify.LevelCritical,
			Title: "Instrument catalog may be stale",
			Text: fmt.Sprintf("%s was not found %d times in a row; check the symbol master sync",
				intent.Underlying, p.cfg.StaleCatalogThreshold),
			At: at,
		})
		return entry
	}
	p.notifier.Notify(notify.Message{
		Level: notify.LevelWarning,
		Title: "Alert rejected: " + string(kind),
		Text:  err.Error(),
		At:    at,
	})
	return entry
}

// countMiss records a NOT_FOUND and reports whether the threshold was just
// reached. The counter starts over after each escalation.
func (p *Pipeline) countMiss(underlying string) bool {
	key := strings.ToUpper(underlying)
	p.missMu.Lock()
	defer p.missMu.Unlock()
	p.misses[key]++
	if p.misses[key] >= p.cfg.StaleCatalogThreshold {
		delete(p.misses, key)
		return true
	}
	return false
}

func (p *Pipeline) resetMisses(underlying string) {
	p.missMu.Lock()
	delete(p.misses, strings.ToUpper(underlying))
	p.missMu.Unlock()
}

func (p *Pipeline) command(ctx context.Context, cmd signal.Command) Result {
	switch cmd {
	case signal.CommandPing:
		p.logger.Info("Ping received")
		return Result{Command: cmd, Reply: "alive"}
	case signal.CommandExitAll:
		return p.exitAll(ctx)
	case signal.CommandCancelAll:
		return p.cancelAll(ctx)
	}
	return Result{Command: cmd}
}

func (p *Pipeline) exitAll(ctx context.Context) Result {
	at := p.now()
	results := p.orch.ExitAll(ctx, p.cfg.ExitAllTag)
	res := Result{Command: signal.CommandExitAll, Reply: fmt.Sprintf("%d positions", len(results))}

	lines := make([]string, 0, len(results))
	for _, r := range results {
		intent, inst := r.Intent, r.Instrument
		entry := newEntry(at, "exit all")
		entry.ParsedIntent = &intent
		entry.ResolvedInstrument = &inst
		applyOutcome(&entry, r.Outcome)
		p.write(entry, EventExitAll)
		res.Entries = append(res.Entries, entry)
		lines = append(lines, fmt.Sprintf("%s %s %s", inst.BrokerSymbol, r.Outcome.Status, r.Outcome.Reason))
	}

	level := notify.LevelInfo
	for _, r := range results {
		if r.Outcome.Status != models.OutcomePlaced {
			level = notify.LevelWarning
		}
	}
	text := "No open positions"
	if len(lines) > 0 {
		text = strings.Join(lines, "\n")
	}
	p.notifier.Notify(notify.Message{Level: level, Title: "Exit all", Text: text, At: at})
	p.logger.WithField("positions", len(results)).Info("Exit all processed")
	return res
}

// cancelAll writes no ledger entries: no alert was acted on and no
// position changed.
func (p *Pipeline) cancelAll(ctx context.Context) Result {
	at := p.now()
	res := Result{Command: signal.CommandCancelAll}

	cancelled, err := p.orch.CancelAll(ctx)
	if err != nil {
		p.logger.WithError(err).Error("Cancel all failed")
		p.notifier.Notify(notify.Message{Level: notify.LevelCritical, Title: "Cancel all failed", Text: err.Error(), At: at})
		res.Reply = "failed: " + err.Error()
		return res
	}

	res.Reply = fmt.Sprintf("cancelled %d of %d", cancelled.Cancelled(), len(cancelled.Pending))
	level := notify.LevelInfo
	lines := []string{res.Reply}
	for _, o := range cancelled.Pending {
		if ferr, ok := cancelled.Failed[o.OrderID]; ok {
			level = notify.LevelWarning
			lines = append(lines, fmt.Sprintf("%s %s: %v", o.OrderID, o.Symbol, ferr))
		}
	}
	p.notifier.Notify(notify.Message{Level: level, Title: "Cancel all", Text: strings.Join(lines, "\n"), At: at})
	p.logger.WithFields(logrus.Fields{
		"pending": len(cancelled.Pending),
		"failed":  len(cancelled.Failed),
	}).Info("Cancel all processed")
	return res
}

func (p *Pipeline) record(entry models.LedgerEntry) Result {
	p.write(entry, EventOutcome)
	return Result{Entries: []models.LedgerEntry{entry}}
}

func (p *Pipeline) write(entry models.LedgerEntry, eventType string) {
	p.ledger.Append(entry)
	if p.publisher != nil {
		p.publisher.Publish(Event{Type: eventType, Entry: entry})
	}
}

func newEntry(at time.Time, raw string) models.LedgerEntry {
	return models.LedgerEntry{
		ID:         uuid.NewString(),
		ReceivedAt: at,
		RawSignal:  raw,
	}
}

func applyOutcome(entry *models.LedgerEntry, outcome models.OrderOutcome) {
	entry.Outcome = outcome.Status
	entry.Reason = outcome.Reason
	entry.Quantity = outcome.Quantity
	entry.QuantityAdjustedFrom = outcome.AdjustedFrom
	if outcome.BrokerOrderID != "" {
		entry.BrokerOrderID = strPtr(outcome.BrokerOrderID)
	}
	if outcome.Detail != "" {
		entry.ErrorDetail = strPtr(outcome.Detail)
	}
}

func outcomeMessage(intent models.TradeIntent, inst models.ResolvedInstrument, outcome models.OrderOutcome, at time.Time) notify.Message {
	order := fmt.Sprintf("%s %s %d %s", intent.Action, strings.ToUpper(string(outcome.Side)), outcome.Quantity, inst.BrokerSymbol)
	switch outcome.Status {
	case models.OutcomePlaced:
		text := fmt.Sprintf("%s\norder %s, %s → %s", order, outcome.BrokerOrderID, outcome.From, outcome.To)
		if outcome.AdjustedFrom != 0 {
			text += fmt.Sprintf("\nquantity adjusted from %d", outcome.AdjustedFrom)
		}
		return notify.Message{Level: notify.LevelInfo, Title: "Order placed", Text: text, At: at}
	case models.OutcomeRejected:
		return notify.Message{Level: notify.LevelWarning, Title: "Order rejected: " + outcome.Reason,
			Text: fmt.Sprintf("%s %s\n%s", intent.Action, inst.BrokerSymbol, outcome.Detail), At: at}
	default:
		return notify.Message{Level: notify.LevelCritical, Title: "Order failed: " + outcome.Reason,
			Text: fmt.Sprintf("%s\n%s\nnot retried, check the broker before resending", order, outcome.Detail), At: at}
	}
}

func strPtr(s string) *string {
	return &s
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
