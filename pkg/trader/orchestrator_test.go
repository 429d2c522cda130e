package trader

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/sigtrader/mocks"
	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
)

var testSession = models.SessionToken{Token: "access-token", UserID: "XY12345"}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func niftyCall() models.ResolvedInstrument {
	call := models.OptionCall
	strike := decimal.NewFromInt(24000)
	return models.ResolvedInstrument{
		ExchangeSegment: models.SegmentNSEDerivative,
		BrokerSymbol:    "NSE:NIFTY24D2624000CE",
		LotSize:         25,
		TickSize:        decimal.RequireFromString("0.05"),
		Underlying:      "NIFTY",
		Strike:          &strike,
		OptionType:      &call,
	}
}

func intentOf(action models.Action, qty *int) models.TradeIntent {
	return models.TradeIntent{Action: action, Exchange: "NSE", Underlying: "NIFTY", QuantityHint: qty, StrategyTag: "radhe-algo"}
}

func qty(n int) *int {
	return &n
}

type OrchestratorTestSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	broker  *mocks.MockBroker
	session *mocks.MockSessionSource
	book    *PositionBook
	orch    *Orchestrator
	inst    models.ResolvedInstrument
	ctx     context.Context
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}

func (s *OrchestratorTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.broker = mocks.NewMockBroker(s.ctrl)
	s.session = mocks.NewMockSessionSource(s.ctrl)
	s.book = NewPositionBook(nil, testLogger())
	cfg := DefaultConfig()
	cfg.DefaultLots = map[string]int{"nifty": 2}
	cfg.RequestTimeout = time.Second
	s.orch = NewOrchestrator(s.broker, s.session, s.book, cfg, testLogger())
	s.inst = niftyCall()
	s.ctx = context.Background()
	s.session.EXPECT().Current(gomock.Any()).Return(testSession, nil).AnyTimes()
}

func (s *OrchestratorTestSuite) expectOrder(id string) *gomock.Call {
	return s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).Return(&models.Order{OrderID: id}, nil)
}

func (s *OrchestratorTestSuite) open(side models.PositionSide, n int) {
	s.book.Set(s.ctx, models.PositionState{InstrumentID: s.inst.ID(), Side: side, OpenQuantity: n})
}

func (s *OrchestratorTestSuite) TestEnterLongPlaced() {
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ models.SessionToken, req *models.OrderRequest) (*models.Order, error) {
			s.Equal("NSE:NIFTY24D2624000CE", req.Symbol)
			s.Equal(models.OrderSideBuy, req.Side)
			s.Equal(models.OrderTypeMarket, req.Type)
			s.Equal(50, req.Quantity)
			s.Equal("radhe-algo", req.Tag)
			return &models.Order{OrderID: "24122000000001"}, nil
		})

	out := s.orch.Execute(s.ctx, intentOf(models.ActionEnterLong, qty(50)), s.inst)
	s.Equal(models.OutcomePlaced, out.Status)
	s.Equal("24122000000001", out.BrokerOrderID)
	s.Equal(50, out.Quantity)
	s.Zero(out.AdjustedFrom)
	s.Equal(models.PositionFlat, out.From)
	s.Equal(models.PositionLong, out.To)

	st := s.book.Get(s.inst.ID())
	s.Equal(models.PositionLong, st.Side)
	s.Equal(50, st.OpenQuantity)
}

func (s *OrchestratorTestSuite) TestRepeatedEntryIsAlreadyOpen() {
	s.expectOrder("1").Times(1)

	first := s.orch.Execute(s.ctx, intentOf(models.ActionEnterLong, qty(50)), s.inst)
	second := s.orch.Execute(s.ctx, intentOf(models.ActionEnterLong, qty(50)), s.inst)

	s.Equal(models.OutcomePlaced, first.Status)
	s.Equal(models.OutcomeRejected, second.Status)
	s.Equal(models.ReasonAlreadyOpen, second.Reason)
	s.Equal(50, s.book.Get(s.inst.ID()).OpenQuantity)
}

func (s *OrchestratorTestSuite) TestStateMachineClosure() {
	tests := []struct {
		name   string
		from   models.PositionSide
		action models.Action
		reason string
	}{
		{"flat exit long", models.PositionFlat, models.ActionExitLong, models.ReasonNothingToExit},
		{"flat exit short", models.PositionFlat, models.ActionExitShort, models.ReasonNothingToExit},
		{"long enter long", models.PositionLong, models.ActionEnterLong, models.ReasonAlreadyOpen},
		{"long enter short", models.PositionLong, models.ActionEnterShort, models.ReasonOppositeOpen},
		{"long exit short", models.PositionLong, models.ActionExitShort, models.ReasonNothingToExit},
		{"long exit long", models.PositionLong, models.ActionExitLong, ""},
		{"short enter short", models.PositionShort, models.ActionEnterShort, models.ReasonAlreadyOpen},
		{"short enter long", models.PositionShort, models.ActionEnterLong, models.ReasonOppositeOpen},
		{"short exit long", models.PositionShort, models.ActionExitLong, models.ReasonNothingToExit},
		{"short exit short", models.PositionShort, models.ActionExitShort, ""},
		{"flat enter long", models.PositionFlat, models.ActionEnterLong, ""},
		{"flat enter short", models.PositionFlat, models.ActionEnterShort, ""},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.book.Set(s.ctx, models.PositionState{InstrumentID: s.inst.ID(), Side: models.PositionFlat})
			if tt.from != models.PositionFlat {
				s.open(tt.from, 50)
			}
			if tt.reason == "" {
				s.expectOrder("ok").Times(1)
			}

			out := s.orch.Execute(s.ctx, intentOf(tt.action, nil), s.inst)
			st := s.book.Get(s.inst.ID())
			if tt.reason != "" {
				s.Equal(models.OutcomeRejected, out.Status)
				s.Equal(tt.reason, out.Reason)
				s.Equal(tt.from, sideOf(st), "state must not change")
				return
			}
			s.Equal(models.OutcomePlaced, out.Status)
			if tt.action.IsEntry() {
				s.Equal(tt.action.Side(), st.Side)
			} else {
				s.True(st.IsFlat())
			}
		})
	}
}

func (s *OrchestratorTestSuite) TestQuantityRules() {
	s.Run("rounded down to lot", func() {
		s.expectOrder("a")
		out := s.orch.Execute(s.ctx, intentOf(models.ActionEnterLong, qty(60)), s.inst)
		s.Equal(models.OutcomePlaced, out.Status)
		s.Equal(50, out.Quantity)
		s.Equal(60, out.AdjustedFrom)
	})
	s.Run("below one lot", func() {
		s.book.Set(s.ctx, models.PositionState{InstrumentID: s.inst.ID()})
		out := s.orch.Execute(s.ctx, intentOf(models.ActionEnterShort, qty(10)), s.inst)
		s.Equal(models.OutcomeRejected, out.Status)
		s.Equal(models.ReasonQuantityTooSmall, out.Reason)
		s.True(s.book.Get(s.inst.ID()).IsFlat())
	})
	s.Run("configured default lots", func() {
		s.expectOrder("b")
		out := s.orch.Execute(s.ctx, intentOf(models.ActionEnterShort, nil), s.inst)
		s.Equal(50, out.Quantity)
	})
	s.Run("fallback lot multiple", func() {
		other := s.inst
		other.BrokerSymbol = "NSE:BANKNIFTY24D2651000CE"
		other.Underlying = "BANKNIFTY"
		other.LotSize = 15
		s.expectOrder("c")
		intent := intentOf(models.ActionEnterLong, nil)
		intent.Underlying = "BANKNIFTY"
		out := s.orch.Execute(s.ctx, intent, other)
		s.Equal(15, out.Quantity)
	})
}

func (s *OrchestratorTestSuite) TestPartialAndCappedExit() {
	s.open(models.PositionLong, 75)

	s.expectOrder("p1")
	out := s.orch.Execute(s.ctx, intentOf(models.ActionExitLong, qty(25)), s.inst)
	s.Equal(models.OutcomePlaced, out.Status)
	s.Equal(25, out.Quantity)
	s.Equal(models.PositionLong, out.To)
	s.Equal(50, s.book.Get(s.inst.ID()).OpenQuantity)

	s.expectOrder("p2")
	out = s.orch.Execute(s.ctx, intentOf(models.ActionExitLong, qty(100)), s.inst)
	s.Equal(50, out.Quantity)
	s.Equal(100, out.AdjustedFrom)
	s.Equal(models.PositionFlat, out.To)
	s.True(s.book.Get(s.inst.ID()).IsFlat())
}

func (s *OrchestratorTestSuite) TestSizesInLots() {
	s.Run("entry in lots", func() {
		s.expectOrder("l1")
		intent := intentOf(models.ActionEnterLong, nil)
		intent.QuantityLots = qty(3)
		out := s.orch.Execute(s.ctx, intent, s.inst)
		s.Equal(models.OutcomePlaced, out.Status)
		s.Equal(75, out.Quantity)
		s.Equal(75, s.book.Get(s.inst.ID()).OpenQuantity)
	})
	s.Run("reduce to remaining lots", func() {
		s.expectOrder("l2")
		intent := intentOf(models.ActionExitLong, nil)
		intent.RemainingLots = qty(1)
		out := s.orch.Execute(s.ctx, intent, s.inst)
		s.Equal(models.OutcomePlaced, out.Status)
		s.Equal(50, out.Quantity)
		s.Equal(models.PositionLong, out.To)
		s.Equal(25, s.book.Get(s.inst.ID()).OpenQuantity)
	})
	s.Run("already at remaining lots", func() {
		intent := intentOf(models.ActionExitLong, nil)
		intent.RemainingLots = qty(1)
		out := s.orch.Execute(s.ctx, intent, s.inst)
		s.Equal(models.OutcomeRejected, out.Status)
		s.Equal(models.ReasonQuantityTooSmall, out.Reason)
		s.Equal(25, s.book.Get(s.inst.ID()).OpenQuantity)
	})
}

func (s *OrchestratorTestSuite) TestAnySideExitFollowsOpenPosition() {
	s.open(models.PositionShort, 50)
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ models.SessionToken, req *models.OrderRequest) (*models.Order, error) {
			s.Equal(models.OrderSideBuy, req.Side)
			s.Equal(50, req.Quantity)
			return &models.Order{OrderID: "x"}, nil
		})

	intent := intentOf(models.ActionExitLong, nil)
	intent.AnySide = true
	out := s.orch.Execute(s.ctx, intent, s.inst)
	s.Equal(models.OutcomePlaced, out.Status)
	s.Equal(models.OrderSideBuy, out.Side)
	s.Equal(models.PositionShort, out.From)
	s.True(s.book.Get(s.inst.ID()).IsFlat())

	out = s.orch.Execute(s.ctx, intent, s.inst)
	s.Equal(models.ReasonNothingToExit, out.Reason)
}

func (s *OrchestratorTestSuite) TestLimitPriceRoundedToTick() {
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ models.SessionToken, req *models.OrderRequest) (*models.Order, error) {
			s.Equal(models.OrderTypeLimit, req.Type)
			s.Equal("101.55", req.LimitPrice.String())
			return &models.Order{OrderID: "l"}, nil
		})
	intent := intentOf(models.ActionEnterLong, qty(25))
	price := decimal.RequireFromString("101.57")
	intent.LimitPrice = &price
	s.Equal(models.OutcomePlaced, s.orch.Execute(s.ctx, intent, s.inst).Status)
}

func (s *OrchestratorTestSuite) TestBrokerRejection() {
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		Return(nil, &models.RejectionError{Code: -50, Message: "Insufficient margin"}).Times(1)

	out := s.orch.Execute(s.ctx, intentOf(models.ActionEnterLong, qty(50)), s.inst)
	s.Equal(models.OutcomeRejected, out.Status)
	s.Equal(models.ReasonBrokerRejected, out.Reason)
	s.Equal("Insufficient margin", out.Detail)
	s.True(s.book.Get(s.inst.ID()).IsFlat())
}

func (s *OrchestratorTestSuite) TestSessionRejectedInvalidatesToken() {
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		Return(nil, &models.RejectionError{Code: -16, Message: "Could not authenticate", SessionInvalid: true}).Times(1)
	s.session.EXPECT().Invalidate(testSession).Times(1)

	out := s.orch.Execute(s.ctx, intentOf(models.ActionEnterLong, qty(50)), s.inst)
	s.Equal(models.OutcomeFailed, out.Status)
	s.Equal(models.ReasonSessionInvalid, out.Reason)
	s.True(s.book.Get(s.inst.ID()).IsFlat())
}

func (s *OrchestratorTestSuite) TestTransportFailureIsNotRetried() {
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		Return(nil, context.DeadlineExceeded).Times(1)

	out := s.orch.Execute(s.ctx, intentOf(models.ActionEnterLong, qty(50)), s.inst)
	s.Equal(models.OutcomeFailed, out.Status)
	s.Equal(models.ReasonBrokerFailure, out.Reason)
	s.True(s.book.Get(s.inst.ID()).IsFlat())
}

func (s *OrchestratorTestSuite) TestCallerCancellationDoesNotAbortOrder() {
	ctx, cancel := context.WithCancel(context.Background())
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		DoAndReturn(func(reqCtx context.Context, _ models.SessionToken, _ *models.OrderRequest) (*models.Order, error) {
			cancel()
			s.NoError(reqCtx.Err())
			_, hasDeadline := reqCtx.Deadline()
			s.True(hasDeadline)
			return &models.Order{OrderID: "x"}, nil
		})
	s.Equal(models.OutcomePlaced, s.orch.Execute(ctx, intentOf(models.ActionEnterLong, qty(25)), s.inst).Status)
}

func (s *OrchestratorTestSuite) TestDuplicateConcurrentEntries() {
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		DoAndReturn(func(context.Context, models.SessionToken, *models.OrderRequest) (*models.Order, error) {
			time.Sleep(20 * time.Millisecond)
			return &models.Order{OrderID: "only"}, nil
		}).Times(1)

	outcomes := make([]models.OrderOutcome, 2)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = s.orch.Execute(s.ctx, intentOf(models.ActionEnterLong, qty(50)), s.inst)
		}(i)
	}
	wg.Wait()

	statuses := []models.OutcomeStatus{outcomes[0].Status, outcomes[1].Status}
	s.ElementsMatch([]models.OutcomeStatus{models.OutcomePlaced, models.OutcomeRejected}, statuses)
	for _, o := range outcomes {
		if o.Status == models.OutcomeRejected {
			s.Equal(models.ReasonAlreadyOpen, o.Reason)
		}
	}
	s.Equal(50, s.book.Get(s.inst.ID()).OpenQuantity)
}

func (s *OrchestratorTestSuite) TestOtherInstrumentsAreNotBlocked() {
	other := s.inst
	other.BrokerSymbol = "NSE:NIFTY24D2624000PE"

	release := make(chan struct{})
	entered := make(chan struct{})
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ models.SessionToken, req *models.OrderRequest) (*models.Order, error) {
			if req.Symbol == s.inst.BrokerSymbol {
				close(entered)
				<-release
			}
			return &models.Order{OrderID: req.Symbol}, nil
		}).Times(2)

	done := make(chan models.OrderOutcome)
	go func() { done <- s.orch.Execute(s.ctx, intentOf(models.ActionEnterLong, qty(25)), s.inst) }()
	<-entered

	out := s.orch.Execute(s.ctx, intentOf(models.ActionEnterLong, qty(25)), other)
	s.Equal(models.OutcomePlaced, out.Status)

	close(release)
	s.Equal(models.OutcomePlaced, (<-done).Status)
}

func (s *OrchestratorTestSuite) TestExitAll() {
	put := s.inst
	put.BrokerSymbol = "NSE:NIFTY24D2624000PE"
	s.book.remember(put)
	s.open(models.PositionLong, 50)
	s.book.Set(s.ctx, models.PositionState{InstrumentID: put.ID(), Side: models.PositionShort, OpenQuantity: 25})

	var sides []models.OrderSide
	s.broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ models.SessionToken, req *models.OrderRequest) (*models.Order, error) {
			sides = append(sides, req.Side)
			return &models.Order{OrderID: req.Symbol}, nil
		}).Times(2)

	results := s.orch.ExitAll(s.ctx, "exitall")
	s.Len(results, 2)
	for _, r := range results {
		s.Equal(models.OutcomePlaced, r.Outcome.Status)
	}
	// Ordered by symbol: CE (long, sell to exit) then PE (short, buy to exit).
	s.Equal([]models.OrderSide{models.OrderSideSell, models.OrderSideBuy}, sides)
	s.Empty(s.book.Snapshot())
}

func (s *OrchestratorTestSuite) TestCancelAllLeavesPositionsAlone() {
	s.open(models.PositionLong, 50)
	s.broker.EXPECT().PendingOrders(gomock.Any(), testSession).
		Return([]models.PendingOrder{{OrderID: "p1"}, {OrderID: "p2"}}, nil)
	s.broker.EXPECT().CancelOrder(gomock.Any(), testSession, "p1").Return(nil)
	s.broker.EXPECT().CancelOrder(gomock.Any(), testSession, "p2").Return(nil)

	res, err := s.orch.CancelAll(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, res.Cancelled())
	s.Empty(res.Failed)
	s.Equal(50, s.book.Get(s.inst.ID()).OpenQuantity)
}

func (s *OrchestratorTestSuite) TestCancelAllSessionRejected() {
	s.broker.EXPECT().PendingOrders(gomock.Any(), testSession).
		Return(nil, &models.RejectionError{Code: -8, Message: "Your token has expired", SessionInvalid: true})
	s.session.EXPECT().Invalidate(testSession).Times(1)

	_, err := s.orch.CancelAll(s.ctx)
	s.Error(err)
}

func TestAuthFailureSkipsBroker(t *testing.T) {
	ctrl := gomock.NewController(t)
	broker := mocks.NewMockBroker(ctrl)
	session := mocks.NewMockSessionSource(ctrl)
	session.EXPECT().Current(gomock.Any()).Return(models.SessionToken{}, errors.New("TOTP_MISMATCH at verify_otp"))

	orch := NewOrchestrator(broker, session, NewPositionBook(nil, testLogger()), DefaultConfig(), testLogger())
	out := orch.Execute(context.Background(), intentOf(models.ActionEnterLong, qty(25)), niftyCall())
	if out.Status != models.OutcomeFailed || out.Reason != models.ReasonAuthFailed {
		t.Fatalf("got %s/%s, want FAILED/AUTH_FAILED", out.Status, out.Reason)
	}
}

func TestBookWritesThroughToStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockPositionStore(ctrl)
	book := NewPositionBook(st, testLogger())
	ctx := context.Background()

	st.EXPECT().ListPositions(gomock.Any()).Return([]models.PositionState{
		{InstrumentID: "NSE:SBIN-EQ", Side: models.PositionShort, OpenQuantity: 10},
	}, nil)
	if err := book.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if got := book.Get("NSE:SBIN-EQ"); got.OpenQuantity != 10 {
		t.Fatalf("restored quantity %d, want 10", got.OpenQuantity)
	}

	st.EXPECT().SavePosition(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ps models.PositionState) error {
			if ps.Side != models.PositionFlat || ps.OpenQuantity != 0 {
				t.Errorf("saved %s %d, want flat", ps.Side, ps.OpenQuantity)
			}
			return errors.New("disk full")
		})
	book.Set(ctx, models.PositionState{InstrumentID: "NSE:SBIN-EQ", Side: models.PositionShort, OpenQuantity: 0})
	if !book.Get("NSE:SBIN-EQ").IsFlat() {
		t.Fatal("in-memory state must update even when the store fails")
	}
}

func TestPlacedOrderPersistsAfterCallerCancels(t *testing.T) {
	ctrl := gomock.NewController(t)
	broker := mocks.NewMockBroker(ctrl)
	session := mocks.NewMockSessionSource(ctrl)
	st := mocks.NewMockPositionStore(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session.EXPECT().Current(gomock.Any()).Return(testSession, nil)
	broker.EXPECT().PlaceOrder(gomock.Any(), testSession, gomock.Any()).
		DoAndReturn(func(context.Context, models.SessionToken, *models.OrderRequest) (*models.Order, error) {
			cancel()
			return &models.Order{OrderID: "24122000000009"}, nil
		})
	st.EXPECT().SavePosition(gomock.Any(), gomock.Any()).
		DoAndReturn(func(saveCtx context.Context, ps models.PositionState) error {
			if saveCtx.Err() != nil {
				t.Errorf("position saved with a cancelled context: %v", saveCtx.Err())
			}
			if ps.Side != models.PositionLong || ps.OpenQuantity != 50 {
				t.Errorf("saved %s %d, want LONG 50", ps.Side, ps.OpenQuantity)
			}
			return saveCtx.Err()
		})

	orch := NewOrchestrator(broker, session, NewPositionBook(st, testLogger()), DefaultConfig(), testLogger())
	out := orch.Execute(ctx, intentOf(models.ActionEnterLong, qty(50)), niftyCall())
	if out.Status != models.OutcomePlaced {
		t.Fatalf("got %s, want PLACED", out.Status)
	}
}
