// Package api is the HTTP surface: the alert webhook, read-only views of
// positions and the ledger, and the outcome event stream.
package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/gregtusar/sigtrader/pkg/signal"
	"github.com/gregtusar/sigtrader/pkg/trader"
	"github.com/sirupsen/logrus"
)

// AlertHandler processes one webhook body.
type AlertHandler interface {
	Handle(ctx context.Context, body []byte) trader.Result
}

type PositionLister interface {
	Snapshot() []models.PositionState
}

type LedgerReader interface {
	Read(day time.Time) ([]models.LedgerEntry, error)
}

type Config struct {
	Port         string
	WebhookToken string
	MaxBodyBytes int64
	Location     *time.Location
}

type Server struct {
	alerts    AlertHandler
	positions PositionLister
	ledger    LedgerReader
	hub       *Hub
	cfg       Config
	logger    *logrus.Logger
	status    func() map[string]any
	srv       *http.Server
}

type Option func(*Server)

// WithStatus adds fields to the health response.
func WithStatus(fn func() map[string]any) Option {
	return func(s *Server) { s.status = fn }
}

func NewServer(alerts AlertHandler, positions PositionLister, ledger LedgerReader, hub *Hub, cfg Config, logger *logrus.Logger, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = signal.DefaultMaxLength
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Server{
		alerts:    alerts,
		positions: positions,
		ledger:    ledger,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/api/ledger", s.handleLedger).Methods(http.MethodGet)
	if s.hub != nil {
		r.Handle("/ws/events", s.hub).Methods(http.MethodGet)
	}
	r.Use(s.logRequests)
	return corsMiddleware(r)
}

func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting API server on port %s", s.cfg.Port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

type webhookResponse struct {
	Command string         `json:"command,omitempty"`
	Reply   string         `json:"reply,omitempty"`
	Entries []entrySummary `json:"entries"`
}

type entrySummary struct {
	ID            string               `json:"id"`
	Outcome       models.OutcomeStatus `json:"outcome"`
	Reason        string               `json:"reason,omitempty"`
	BrokerOrderID *string              `json:"broker_order_id,omitempty"`
	Instrument    string               `json:"instrument,omitempty"`
	Quantity      int                  `json:"quantity,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookToken != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	switch {
	case int64(len(body)) > s.cfg.MaxBodyBytes:
		s.writeError(w, http.StatusBadRequest, "body too large")
		return
	case len(bytes.TrimSpace(body)) == 0:
		s.writeError(w, http.StatusBadRequest, "empty body")
		return
	case !utf8.Valid(body):
		s.writeError(w, http.StatusBadRequest, "body is not valid UTF-8")
		return
	}

	res := s.alerts.Handle(r.Context(), body)
	resp := webhookResponse{Command: string(res.Command), Reply: res.Reply, Entries: make([]entrySummary, 0, len(res.Entries))}
	for _, e := range res.Entries {
		sum := entrySummary{ID: e.ID, Outcome: e.Outcome, Reason: e.Reason, BrokerOrderID: e.BrokerOrderID, Quantity: e.Quantity}
		if e.ResolvedInstrument != nil {
			sum.Instrument = e.ResolvedInstrument.BrokerSymbol
		}
		resp.Entries = append(resp.Entries, sum)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if s.status != nil {
		for k, v := range s.status() {
			response[k] = v
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.positions.Snapshot())
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	day := time.Now().In(s.cfg.Location)
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.ParseInLocation("2006-01-02", v, s.cfg.Location)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = d
	}
	entries, err := s.ledger.Read(day)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read ledger")
		s.writeError(w, http.StatusInternalServerError, "could not read ledger")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
