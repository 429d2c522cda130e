package auth

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/sigtrader/mocks"
	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/gregtusar/sigtrader/pkg/notify"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
)

var baseTime = time.Date(2024, 12, 20, 8, 0, 0, 0, time.UTC)

type ManagerTestSuite struct {
	suite.Suite
	ctrl          *gomock.Controller
	authenticator *mocks.MockAuthenticator
	notifier      *mocks.MockNotifier
	store         *FileStore
	now           time.Time
	manager       *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (s *ManagerTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.authenticator = mocks.NewMockAuthenticator(s.ctrl)
	s.notifier = mocks.NewMockNotifier(s.ctrl)
	s.store = NewFileStore(s.T().TempDir() + "/token.json")
	s.now = baseTime

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := Config{
		ValidityWindow: 12 * time.Hour,
		RefreshMargin:  time.Hour,
		RefreshTimeout: 5 * time.Second,
	}
	s.manager = NewManager(s.authenticator, s.store, s.notifier, cfg, logger, WithClock(func() time.Time { return s.now }))
}

func (s *ManagerTestSuite) token(value string, issued time.Time) models.SessionToken {
	return models.SessionToken{Token: value, UserID: "XY12345", IssuedAt: issued, RefreshedAt: issued}
}

func (s *ManagerTestSuite) TestIsValid() {
	s.False(s.manager.IsValid(models.SessionToken{}))
	s.False(s.manager.IsValid(s.token("", baseTime)))
	s.True(s.manager.IsValid(s.token("t", baseTime)))
	s.True(s.manager.IsValid(s.token("t", baseTime.Add(-12*time.Hour))))
	s.False(s.manager.IsValid(s.token("t", baseTime.Add(-12*time.Hour-time.Second))))
	s.False(s.manager.IsValid(s.token("t", baseTime.Add(time.Minute))), "issued in the future")
}

func (s *ManagerTestSuite) TestRefreshSuccess() {
	s.authenticator.EXPECT().Authenticate(gomock.Any()).Return(models.SessionToken{Token: "new", UserID: "XY12345"}, nil)
	s.notifier.EXPECT().Notify(gomock.Any()).Do(func(msg notify.Message) {
		s.Equal(notify.LevelInfo, msg.Level)
	})

	tok, err := s.manager.Refresh(context.Background())
	s.Require().NoError(err)
	s.Equal("new", tok.Token)
	s.Equal(baseTime, tok.IssuedAt)
	s.Equal(baseTime, tok.RefreshedAt)

	stored, err := s.store.Load(context.Background())
	s.Require().NoError(err)
	s.Equal(tok, stored)
}

func (s *ManagerTestSuite) TestRefreshWrongTOTPLeavesStoreUntouched() {
	old := s.token("old", baseTime.Add(-2*time.Hour))
	s.Require().NoError(s.store.Save(context.Background(), old))

	s.authenticator.EXPECT().Authenticate(gomock.Any()).
		Return(models.SessionToken{}, NewError(KindTOTPMismatch, "verify_otp", errors.New("invalid otp")))
	s.notifier.EXPECT().Notify(gomock.Any()).Times(1).Do(func(msg notify.Message) {
		s.Equal(notify.LevelCritical, msg.Level)
		s.Contains(msg.Title, string(KindTOTPMismatch))
	})

	_, err := s.manager.Refresh(context.Background())
	kind, ok := KindOf(err)
	s.True(ok)
	s.Equal(KindTOTPMismatch, kind)

	stored, err := s.store.Load(context.Background())
	s.Require().NoError(err)
	s.Equal(old, stored)
}

func (s *ManagerTestSuite) TestRefreshWrapsUntypedErrors() {
	s.authenticator.EXPECT().Authenticate(gomock.Any()).Return(models.SessionToken{}, errors.New("connection reset"))
	s.notifier.EXPECT().Notify(gomock.Any())

	_, err := s.manager.Refresh(context.Background())
	kind, _ := KindOf(err)
	s.Equal(KindNetwork, kind)
}

func (s *ManagerTestSuite) TestConcurrentRefreshCollapses() {
	started := make(chan struct{})
	release := make(chan struct{})
	s.authenticator.EXPECT().Authenticate(gomock.Any()).Times(1).DoAndReturn(func(context.Context) (models.SessionToken, error) {
		close(started)
		<-release
		return models.SessionToken{Token: "shared"}, nil
	})
	s.notifier.EXPECT().Notify(gomock.Any()).Times(1)

	const callers = 8
	results := make(chan string, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tok, err := s.manager.Refresh(context.Background())
		s.NoError(err)
		results <- tok.Token
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.manager.Current(context.Background())
			s.NoError(err)
			results <- tok.Token
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for tok := range results {
		s.Equal("shared", tok)
	}
}

// racingStore lets a test act between a caller's cache check and its refresh.
type racingStore struct {
	Store
	afterLoad func()
}

func (r *racingStore) Load(ctx context.Context) (models.SessionToken, error) {
	tok, err := r.Store.Load(ctx)
	if r.afterLoad != nil {
		r.afterLoad()
	}
	return tok, err
}

func (s *ManagerTestSuite) TestCurrentReusesTokenRefreshedMeanwhile() {
	s.Require().NoError(s.store.Save(context.Background(), s.token("stale", baseTime.Add(-13*time.Hour))))
	renewed := s.token("renewed", baseTime)
	store := &racingStore{Store: s.store, afterLoad: func() {
		// Another caller's refresh lands after this caller saw a stale token.
		s.manager.mu.Lock()
		s.manager.cached = &renewed
		s.manager.mu.Unlock()
	}}
	s.manager.store = store
	s.authenticator.EXPECT().Authenticate(gomock.Any()).Times(0)

	got, err := s.manager.Current(context.Background())
	s.Require().NoError(err)
	s.Equal("renewed", got.Token)
}

func (s *ManagerTestSuite) TestCurrentUsesFreshStoredToken() {
	tok := s.token("stored", baseTime.Add(-time.Hour))
	s.Require().NoError(s.store.Save(context.Background(), tok))

	got, err := s.manager.Current(context.Background())
	s.Require().NoError(err)
	s.Equal("stored", got.Token)
}

func (s *ManagerTestSuite) TestCurrentRefreshesInsideMargin() {
	s.Require().NoError(s.store.Save(context.Background(), s.token("aging", baseTime.Add(-11*time.Hour-30*time.Minute))))
	s.authenticator.EXPECT().Authenticate(gomock.Any()).Return(models.SessionToken{Token: "renewed"}, nil)
	s.notifier.EXPECT().Notify(gomock.Any())

	got, err := s.manager.Current(context.Background())
	s.Require().NoError(err)
	s.Equal("renewed", got.Token)
}

func (s *ManagerTestSuite) TestCurrentFallsBackWhileStillValid() {
	s.Require().NoError(s.store.Save(context.Background(), s.token("aging", baseTime.Add(-11*time.Hour-30*time.Minute))))
	s.authenticator.EXPECT().Authenticate(gomock.Any()).Return(models.SessionToken{}, NewError(KindBrokerUnavailable, "token", errors.New("503")))
	s.notifier.EXPECT().Notify(gomock.Any())

	got, err := s.manager.Current(context.Background())
	s.Require().NoError(err)
	s.Equal("aging", got.Token)
}

func (s *ManagerTestSuite) TestCurrentFailsWhenExpiredAndRefreshFails() {
	s.Require().NoError(s.store.Save(context.Background(), s.token("dead", baseTime.Add(-13*time.Hour))))
	s.authenticator.EXPECT().Authenticate(gomock.Any()).Return(models.SessionToken{}, NewError(KindBadCredentials, "verify_pin", errors.New("wrong pin")))
	s.notifier.EXPECT().Notify(gomock.Any())

	_, err := s.manager.Current(context.Background())
	kind, _ := KindOf(err)
	s.Equal(KindBadCredentials, kind)
}

func (s *ManagerTestSuite) TestInvalidateForcesRefresh() {
	tok := s.token("rejected", baseTime.Add(-time.Hour))
	s.Require().NoError(s.store.Save(context.Background(), tok))

	got, err := s.manager.Current(context.Background())
	s.Require().NoError(err)
	s.manager.Invalidate(got)

	s.authenticator.EXPECT().Authenticate(gomock.Any()).Return(models.SessionToken{Token: "replacement"}, nil)
	s.notifier.EXPECT().Notify(gomock.Any())

	got, err = s.manager.Current(context.Background())
	s.Require().NoError(err)
	s.Equal("replacement", got.Token)

	got, err = s.manager.Current(context.Background())
	s.Require().NoError(err)
	s.Equal("replacement", got.Token)
}

func (s *ManagerTestSuite) TestCallerCancellationDoesNotAbortRefresh() {
	release := make(chan struct{})
	done := make(chan struct{})
	s.authenticator.EXPECT().Authenticate(gomock.Any()).DoAndReturn(func(ctx context.Context) (models.SessionToken, error) {
		<-release
		defer close(done)
		return models.SessionToken{Token: "late"}, ctx.Err()
	})
	notified := make(chan struct{})
	s.notifier.EXPECT().Notify(gomock.Any()).Do(func(notify.Message) { close(notified) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.manager.Refresh(ctx)
	s.ErrorIs(err, context.Canceled)

	close(release)
	<-done
	<-notified
	stored, err := s.store.Load(context.Background())
	s.Require().NoError(err)
	s.Equal("late", stored.Token)
}
