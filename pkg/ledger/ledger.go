// Package ledger keeps the durable record of every processed alert as one
// JSON Lines file per trading day.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/sirupsen/logrus"
)

// Ledger appends entries. Append never fails the caller; write failures are
// logged and counted.
type Ledger interface {
	Append(entry models.LedgerEntry)
}

var _ Ledger = (*DailyLedger)(nil)

type DailyLedger struct {
	dir      string
	location *time.Location
	logger   *logrus.Logger
	now      func() time.Time

	mu       sync.Mutex
	failures atomic.Int64
}

func NewDailyLedger(dir string, loc *time.Location, logger *logrus.Logger) *DailyLedger {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyLedger{
		dir:      dir,
		location: loc,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *DailyLedger) pathFor(t time.Time) string {
	return filepath.Join(l.dir, t.In(l.location).Format("2006-01-02")+".jsonl")
}

func (l *DailyLedger) Append(entry models.LedgerEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = l.now()
	}

	if err := l.write(entry); err != nil {
		n := l.failures.Add(1)
		l.logger.WithError(err).WithFields(logrus.Fields{
			"entry_id": entry.ID,
			"outcome":  entry.Outcome,
			"failures": n,
		}).Error("Failed to write ledger entry")
	}
}

func (l *DailyLedger) write(entry models.LedgerEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return fmt.Errorf("creating ledger dir: %w", err)
	}
	f, err := os.OpenFile(l.pathFor(entry.ReceivedAt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening ledger file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("appending entry: %w", err)
	}
	return f.Close()
}

// Failures is the number of entries that could not be written.
func (l *DailyLedger) Failures() int64 {
	return l.failures.Load()
}

// Read returns the entries recorded on the given day, oldest first. A day
// without a file has no entries. Lines that do not decode are skipped.
func (l *DailyLedger) Read(day time.Time) ([]models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.pathFor(day))
	if errors.Is(err, os.ErrNotExist) {
		return []models.LedgerEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger file: %w", err)
	}
	defer f.Close()

	entries := []models.LedgerEntry{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var e models.LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			l.logger.WithError(err).Warn("Skipping unreadable ledger line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ledger file: %w", err)
	}
	return entries, nil
}
