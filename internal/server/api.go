package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"greeter/internal/chain"
	"greeter/internal/greeter"
	"greeter/internal/idempotency"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

type errorResponse struct {
	Error string `json:"error"`
}

type connectResponse struct {
	Account     string    `json:"account"`
	Endpoint    string    `json:"endpoint,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type greetingResponse struct {
	Greeting string `json:"greeting"`
}

type setGreetingRequest struct {
	Greeting string `json:"greeting"`
}

type setGreetingResponse struct {
	Greeting     string                 `json:"greeting"`
	TxHash       string                 `json:"txHash"`
	BlockNumber  uint64                 `json:"blockNumber"`
	GasUsed      uint64                 `json:"gasUsed"`
	Event        *chain.GreetingUpdated `json:"event,omitempty"`
	Current      string                 `json:"current,omitempty"`
	Summary      *chain.Summary         `json:"summary,omitempty"`
	RefreshError string                 `json:"refreshError,omitempty"`
}

type historyResponse struct {
	Count   int                  `json:"count"`
	Entries []chain.HistoryEntry `json:"entries"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess, err := s.connect(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{
		Account:     sess.Account.Hex(),
		Endpoint:    sess.Endpoint,
		ConnectedAt: sess.ConnectedAt,
	})
}

func (s *Server) handleGreeting(w http.ResponseWriter, r *http.Request) {
	svc, err := s.service()
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()

	greeting, err := svc.Greeting(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, greetingResponse{Greeting: greeting})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	svc, err := s.service()
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()

	info, err := svc.Summary(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSetGreeting(w http.ResponseWriter, r *http.Request) {
	svc, err := s.service()
	if err != nil {
		writeError(w, err)
		return
	}

	var payload setGreetingRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json payload"})
		return
	}

	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key != "" {
		unlock := s.locks.lock(key)
		defer unlock()

		existing, err := s.store.Get(ctx, key)
		if err != nil {
			s.logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		}
		if existing != nil {
			if err := existing.Check(payload.Greeting); err != nil {
				s.metrics.incWrite("rejected")
				writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplayed, "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			s.metrics.incWrite("replayed")
			return
		}
	}

	out, err := s.setGreeting(ctx, svc, payload.Greeting)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := setGreetingResponse{
		Greeting:    out.Greeting,
		TxHash:      out.Receipt.TxHash.Hex(),
		BlockNumber: out.Receipt.BlockNumber,
		GasUsed:     out.Receipt.GasUsed,
		Event:       out.Receipt.Event,
		Current:     out.Current,
	}
	if out.SummaryErr == nil {
		resp.Summary = &out.Summary
	}
	if err := out.RefreshErr(); err != nil {
		resp.RefreshError = err.Error()
	}
	body, err := json.Marshal(resp)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	if key != "" {
		record := idempotency.NewRecord(out.Greeting, resp.TxHash, http.StatusOK, body, time.Now(), s.cfg.Service.IdempotencyWindow)
		if err := s.store.Save(ctx, key, record); err != nil {
			s.logger.Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	svc, err := s.service()
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()

	entries, err := svc.ListHistory(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Count: len(entries), Entries: entries})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	svc, err := s.service()
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()

	entry, err := svc.Lookup(ctx, r.PathValue("index"))
	if err != nil {
		if errors.Is(err, greeter.ErrLookupFailed) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: greeter.ErrLookupFailed.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// keyLocks serializes requests sharing an idempotency key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
