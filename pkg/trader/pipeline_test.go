package trader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gregtusar/sigtrader/mocks"
	"github.com/gregtusar/sigtrader/pkg/instrument"
	"github.com/gregtusar/sigtrader/pkg/ledger"
	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/gregtusar/sigtrader/pkg/notify"
	"github.com/gregtusar/sigtrader/pkg/signal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
)

var pipelineNow = time.Date(2024, 12, 20, 9, 20, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(msg notify.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recordingNotifier) messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingPublisher) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func testCatalog() *instrument.Catalog {
	fo := models.SegmentNSEDerivative
	tick := decimal.RequireFromString("0.05")
	expiry := time.Date(2024, 12, 26, 0, 0, 0, 0, time.UTC)
	call, put := models.OptionCall, models.OptionPut
	strike := decimal.NewFromInt(24000)
	return instrument.NewCatalog([]instrument.Entry{
		{Segment: fo, Symbol: "NSE:NIFTY24D2624000CE", Underlying: "NIFTY", Expiry: &expiry, Strike: &strike, OptionType: &call, LotSize: 25, TickSize: tick},
		{Segment: fo, Symbol: "NSE:NIFTY24D2624000PE", Underlying: "NIFTY", Expiry: &expiry, Strike: &strike, OptionType: &put, LotSize: 25, TickSize: tick},
		{Segment: models.SegmentNSECash, Symbol: "NSE:SBIN-EQ", Underlying: "SBIN", LotSize: 1, TickSize: tick},
	}, pipelineNow)
}

type PipelineTestSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	broker    *mocks.MockBroker
	session   *mocks.MockSessionSource
	ledger    *ledger.DailyLedger
	notifier  *recordingNotifier
	publisher *recordingPublisher
	pipeline  *Pipeline
	ctx       context.Context
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.broker = mocks.NewMockBroker(s.ctrl)
	s.session = mocks.NewMockSessionSource(s.ctrl)
	s.ledger = ledger.NewDailyLedger(s.T().TempDir(), time.UTC, testLogger())
	s.notifier = &recordingNotifier{}
	s.publisher = &recordingPublisher{}
	s.ctx = context.Background()

	resolver := instrument.NewResolver(time.UTC, instrument.WithClock(func() time.Time { return pipelineNow }))
	orch := NewOrchestrator(s.broker, s.session, NewPositionBook(nil, testLogger()), DefaultConfig(), testLogger())
	s.pipeline = NewPipeline(signal.NewParser(signal.DefaultConfig()), resolver, instrument.NewHolder(testCatalog()),
		orch, s.ledger, s.notifier, DefaultPipelineConfig(), testLogger())
	s.pipeline.now = func() time.Time { return pipelineNow }
	s.pipeline.SetPublisher(s.publisher)
}

func (s *PipelineTestSuite) ledgerEntries() []models.LedgerEntry {
	entries, err := s.ledger.Read(pipelineNow)
	s.Require().NoError(err)
	return entries
}

const scenarioAlert = "radhe algo BUY NIFTY 24000 CE entry qty 50"

func (s *PipelineTestSuite) TestScenarioEntryThenDuplicate() {
	s.session.EXPECT().Current(gomock.Any()).Return(testSession, nil).Times(1)
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		Return(&models.Order{OrderID: "24122000012345"}, nil).Times(1)

	first := s.pipeline.Handle(s.ctx, []byte(scenarioAlert))
	s.Require().Len(first.Entries, 1)
	entry := first.Entries[0]
	s.Equal(models.OutcomePlaced, entry.Outcome)
	s.Equal("24122000012345", *entry.BrokerOrderID)
	s.Equal("NSE:NIFTY24D2624000CE", entry.ResolvedInstrument.BrokerSymbol)
	s.Equal(models.ActionEnterLong, entry.ParsedIntent.Action)
	s.Equal(50, entry.Quantity)

	book := s.pipeline.Orchestrator().Book()
	s.Equal(models.PositionLong, book.Get("NSE:NIFTY24D2624000CE").Side)

	second := s.pipeline.Handle(s.ctx, []byte(scenarioAlert))
	s.Equal(models.OutcomeRejected, second.Entries[0].Outcome)
	s.Equal(models.ReasonAlreadyOpen, second.Entries[0].Reason)
	s.Equal(50, book.Get("NSE:NIFTY24D2624000CE").OpenQuantity)

	entries := s.ledgerEntries()
	s.Require().Len(entries, 2)
	s.Equal(models.OutcomePlaced, entries[0].Outcome)
	s.Equal(models.OutcomeRejected, entries[1].Outcome)

	msgs := s.notifier.messages()
	s.Require().Len(msgs, 2)
	s.Equal(notify.LevelInfo, msgs[0].Level)
	s.Equal(notify.LevelWarning, msgs[1].Level)
	s.Len(s.publisher.events, 2)
}

func (s *PipelineTestSuite) TestScenarioUnknownUnderlying() {
	res := s.pipeline.Handle(s.ctx, []byte("radhe algo BUY FOOBAR entry"))

	s.Require().Len(res.Entries, 1)
	entry := res.Entries[0]
	s.Equal(models.OutcomeRejected, entry.Outcome)
	s.Equal(string(instrument.KindNotFound), entry.Reason)
	s.NotNil(entry.ParsedIntent)
	s.Nil(entry.ResolvedInstrument)
	s.Nil(entry.BrokerOrderID)
	s.Len(s.ledgerEntries(), 1)
	s.Len(s.notifier.messages(), 1)
}

func (s *PipelineTestSuite) TestStaleCatalogEscalation() {
	for i := 0; i < 3; i++ {
		s.pipeline.Handle(s.ctx, []byte("radhe algo BUY FOOBAR entry"))
	}
	msgs := s.notifier.messages()
	s.Require().Len(msgs, 3)
	s.Equal(notify.LevelWarning, msgs[0].Level)
	s.Equal(notify.LevelWarning, msgs[1].Level)
	s.Equal(notify.LevelCritical, msgs[2].Level)
	s.Contains(msgs[2].Text, "FOOBAR")

	// The counter starts over after an escalation.
	s.pipeline.Handle(s.ctx, []byte("radhe algo BUY FOOBAR entry"))
	s.Equal(notify.LevelWarning, s.notifier.messages()[3].Level)
	s.Len(s.ledgerEntries(), 4)
}

func (s *PipelineTestSuite) TestNotASignalIsLoggedQuietly() {
	res := s.pipeline.Handle(s.ctx, []byte("good morning team"))
	s.Require().Len(res.Entries, 1)
	s.Equal(models.OutcomeRejected, res.Entries[0].Outcome)
	s.Equal(string(signal.KindNotASignal), res.Entries[0].Reason)
	s.Nil(res.Entries[0].ParsedIntent)
	s.Empty(s.notifier.messages())
	s.Len(s.ledgerEntries(), 1)
}

func (s *PipelineTestSuite) TestMalformedAlertNotifies() {
	res := s.pipeline.Handle(s.ctx, []byte("radhe algo BUY NIFTY 24000 CE entry qty 0"))
	s.Equal(string(signal.KindInvalidQuantity), res.Entries[0].Reason)
	s.Len(s.notifier.messages(), 1)
}

func (s *PipelineTestSuite) TestJSONAlert() {
	s.session.EXPECT().Current(gomock.Any()).Return(testSession, nil)
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ models.SessionToken, req *models.OrderRequest) (*models.Order, error) {
			s.Equal(models.OrderTypeLimit, req.Type)
			s.Equal("101.5", req.LimitPrice.String())
			s.Equal(models.OrderSideBuy, req.Side)
			s.Equal(50, req.Quantity)
			return &models.Order{OrderID: "j1"}, nil
		})

	body := `{
		"strategy": {"action": "buy", "contracts": 2, "position_size": 2},
		"symbol": {"exchange": "NSE", "ticker": "NIFTY241226C24000"},
		"price": {"close": 101.5},
		"meta": {"tag": "radhe algo", "order_type": "LMT"}
	}`
	res := s.pipeline.Handle(s.ctx, []byte(body))
	s.Equal(models.OutcomePlaced, res.Entries[0].Outcome)
	s.Equal("NSE:NIFTY24D2624000CE", res.Entries[0].ResolvedInstrument.BrokerSymbol)
}

func (s *PipelineTestSuite) TestPing() {
	res := s.pipeline.Handle(s.ctx, []byte("  Hello "))
	s.Equal(signal.CommandPing, res.Command)
	s.Equal("alive", res.Reply)
	s.Empty(res.Entries)
	s.Empty(s.ledgerEntries())
}

func (s *PipelineTestSuite) TestExitAll() {
	s.session.EXPECT().Current(gomock.Any()).Return(testSession, nil).Times(2)
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		Return(&models.Order{OrderID: "e"}, nil).Times(2)

	s.pipeline.Handle(s.ctx, []byte(scenarioAlert))
	res := s.pipeline.Handle(s.ctx, []byte("EXIT ALL"))

	s.Equal(signal.CommandExitAll, res.Command)
	s.Require().Len(res.Entries, 1)
	s.Equal(models.ActionExitLong, res.Entries[0].ParsedIntent.Action)
	s.Equal(models.OutcomePlaced, res.Entries[0].Outcome)
	s.Empty(s.pipeline.Orchestrator().Book().Snapshot())
	s.Len(s.ledgerEntries(), 2)

	events := s.publisher.events
	s.Equal(EventExitAll, events[len(events)-1].Type)
}

func (s *PipelineTestSuite) TestStrategyFillAlert() {
	s.session.EXPECT().Current(gomock.Any()).Return(testSession, nil)
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ models.SessionToken, req *models.OrderRequest) (*models.Order, error) {
			s.Equal(models.OrderSideBuy, req.Side)
			s.Equal(50, req.Quantity)
			s.Equal("101.5", req.LimitPrice.String())
			return &models.Order{OrderID: "f1"}, nil
		})

	res := s.pipeline.Handle(s.ctx, []byte("radhe algo order buy @ 2 filled on NSE:NIFTY241226C24000. "+
		"New strategy position is 2\nopen : 101.5 order_type : LMT\ncomment = Long Entry"))
	s.Require().Len(res.Entries, 1)
	s.Equal(models.OutcomePlaced, res.Entries[0].Outcome)
	s.Equal(50, s.pipeline.Orchestrator().Book().Get("NSE:NIFTY24D2624000CE").OpenQuantity)
}

func (s *PipelineTestSuite) TestCancelAll() {
	s.session.EXPECT().Current(gomock.Any()).Return(testSession, nil)
	s.broker.EXPECT().PendingOrders(gomock.Any(), testSession).Return([]models.PendingOrder{
		{OrderID: "o1", Symbol: "NSE:NIFTY24D2624000CE", Side: models.OrderSideBuy, Quantity: 25},
		{OrderID: "o2", Symbol: "NSE:SBIN-EQ", Side: models.OrderSideSell, Quantity: 10},
	}, nil)
	s.broker.EXPECT().CancelOrder(gomock.Any(), testSession, "o1").Return(nil)
	s.broker.EXPECT().CancelOrder(gomock.Any(), testSession, "o2").
		Return(&models.RejectionError{Code: -52, Message: "Order already executed"})

	res := s.pipeline.Handle(s.ctx, []byte("  Cancel ALL "))

	s.Equal(signal.CommandCancelAll, res.Command)
	s.Equal("cancelled 1 of 2", res.Reply)
	s.Empty(res.Entries)
	s.Empty(s.ledgerEntries())

	msgs := s.notifier.messages()
	s.Require().Len(msgs, 1)
	s.Equal(notify.LevelWarning, msgs[0].Level)
	s.Contains(msgs[0].Text, "o2 NSE:SBIN-EQ")
}

func (s *PipelineTestSuite) TestCancelAllWithoutSession() {
	s.session.EXPECT().Current(gomock.Any()).Return(models.SessionToken{}, errors.New("refresh failed"))

	res := s.pipeline.Handle(s.ctx, []byte("cancel all"))

	s.Contains(res.Reply, "refresh failed")
	msgs := s.notifier.messages()
	s.Require().Len(msgs, 1)
	s.Equal(notify.LevelCritical, msgs[0].Level)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc…", truncate("abcdef", 3))

	got := truncate(strings.Repeat("₹", 10), 7)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "₹₹…", got)
}
