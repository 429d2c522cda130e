package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const DefaultTelegramURL = "https://api.telegram.org"

type TelegramConfig struct {
	BotToken  string
	ChatID    string
	APIURL    string
	QueueSize int
	// PerMinute bounds outgoing messages; Telegram throttles bots that post
	// to one chat more than about 20 times a minute.
	PerMinute int
	Timeout   time.Duration
}

// Telegram delivers messages through the Bot API from a single background
// worker. When the queue is full new messages are dropped.
type Telegram struct {
	cfg        TelegramConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	queue      chan Message
	logger     *logrus.Logger
	stopCh     chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
	dropped    atomic.Int64
	sent       atomic.Int64
}

var _ Notifier = (*Telegram)(nil)

func NewTelegram(cfg TelegramConfig, logger *logrus.Logger) *Telegram {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultTelegramURL
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Telegram{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), 3),
		queue:      make(chan Message, cfg.QueueSize),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

func (t *Telegram) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.run(ctx)
}

func (t *Telegram) Notify(msg Message) {
	select {
	case t.queue <- msg:
	default:
		n := t.dropped.Add(1)
		t.logger.WithFields(logrus.Fields{"title": msg.Title, "dropped": n}).Warn("Notification queue full, message dropped")
	}
}

// Close stops the worker after it has tried to deliver what is queued.
func (t *Telegram) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *Telegram) Dropped() int64 {
	return t.dropped.Load()
}

func (t *Telegram) Sent() int64 {
	return t.sent.Load()
}

func (t *Telegram) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			t.drain(ctx)
			return
		case msg := <-t.queue:
			t.deliver(ctx, msg)
		}
	}
}

func (t *Telegram) drain(ctx context.Context) {
	for {
		select {
		case msg := <-t.queue:
			t.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (t *Telegram) deliver(ctx context.Context, msg Message) {
	if err := t.limiter.Wait(ctx); err != nil {
		return
	}
	if err := t.send(ctx, msg.String()); err != nil {
		t.logger.WithError(err).WithField("title", msg.Title).Error("Failed to send Telegram notification")
		return
	}
	t.sent.Add(1)
}

func (t *Telegram) send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id": t.cfg.ChatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIURL, "/"), t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram HTTP %d: %s", resp.StatusCode, data)
	}
	return nil
}
