package auth

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	calls    int
	deadline bool
	err      error
}

func (r *countingRefresher) Refresh(ctx context.Context) (models.SessionToken, error) {
	r.calls++
	_, r.deadline = ctx.Deadline()
	return models.SessionToken{}, r.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(&countingRefresher{}, "every morning", time.UTC, time.Minute, quietLogger())
	assert.Error(t, err)
}

func TestSchedulerNextRunInExchangeZone(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	s, err := NewScheduler(&countingRefresher{}, "", ist, time.Minute, quietLogger())
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	next := entries[0].Next.In(ist)
	assert.Equal(t, 8, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.NotEqual(t, time.Saturday, next.Weekday())
	assert.NotEqual(t, time.Sunday, next.Weekday())
}

func TestSchedulerRunBoundsRefresh(t *testing.T) {
	r := &countingRefresher{err: errors.New("boom")}
	s, err := NewScheduler(r, DefaultSchedule, time.UTC, time.Minute, quietLogger())
	require.NoError(t, err)

	s.run()
	assert.Equal(t, 1, r.calls)
	assert.True(t, r.deadline)
}
