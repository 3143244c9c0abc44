// Package api exposes the deposit queue over HTTP: deposits, emergency
// withdrawals, round control, live policy edits and the read-only views.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/audit"
	"github.com/atmx/deposit-queue/internal/contract"
	"github.com/atmx/deposit-queue/internal/engine"
	"github.com/atmx/deposit-queue/internal/model"
	"github.com/atmx/deposit-queue/internal/policy"
	"github.com/atmx/deposit-queue/internal/store"
)

// Service wires HTTP handlers to the engine and its collaborators. The
// engine serializes its own mutations, so handlers hold no lock.
type Service struct {
	engine  *engine.Engine
	policy  *policy.Store
	store   store.Store
	auditor *audit.Auditor
	wsHub   *WSHub // optional; nil disables push updates
}

// NewService creates the API service. hub and auditor may be nil. Round
// settlement frames come from the hub observing the engine, so pass the hub
// to engine.Options.Observer as well.
func NewService(eng *engine.Engine, pol *policy.Store, st store.Store, auditor *audit.Auditor, hub *WSHub) *Service {
	return &Service{
		engine:  eng,
		policy:  pol,
		store:   st,
		auditor: auditor,
		wsHub:   hub,
	}
}

// Routes registers the /api/v1 request handlers on r. The WebSocket
// endpoint is mounted separately so it can bypass request timeouts.
func (s *Service) Routes(r chi.Router) {
	r.Get("/stats", s.GetStats)
	r.Post("/deposits", s.SubmitDeposit)
	r.Get("/positions", s.ListPositions)
	r.Post("/positions/{positionID}/withdraw", s.Withdraw)
	r.Get("/exits", s.ListExits)

	r.Get("/rounds", s.ListRounds)
	r.Get("/rounds/{sessionID}/{round}", s.GetRound)
	r.Post("/rounds/settle", s.SettleRound)
	r.Post("/rounds/restart", s.RestartRound)

	r.Get("/archive/exits", s.ListArchivedExits)

	r.Get("/policy", s.GetPolicy)
	r.Put("/policy", s.UpdatePolicy)

	r.Get("/audit", s.GetAudit)
	r.Get("/contract", s.GetContract)
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	DepositorID string          `json:"depositor_id"`
	Amount      decimal.Decimal `json:"amount"`
	Client      bool            `json:"client"` // external client rather than a dashboard user
}

// --- HTTP Handlers ---

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// SubmitDeposit handles POST /api/v1/deposits
func (s *Service) SubmitDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DepositorID == "" {
		writeError(w, "depositor_id is required", http.StatusBadRequest)
		return
	}
	if req.DepositorID == engine.SeedDepositor || req.DepositorID == engine.BotDepositor {
		writeError(w, "depositor_id is reserved", http.StatusBadRequest)
		return
	}

	role := model.RoleUser
	if req.Client {
		role = model.RoleClient
	}
	pos, err := s.engine.SubmitDeposit(engine.Deposit{
		Amount:      req.Amount,
		Role:        role,
		DepositorID: req.DepositorID,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	slog.Info("deposit accepted",
		"position", pos.ID,
		"depositor", pos.DepositorID,
		"amount", pos.Deposit.String(),
		"multiplier", pos.Multiplier.String(),
	)
	s.push()
	writeJSON(w, http.StatusCreated, pos)
}

// Withdraw handles POST /api/v1/positions/{positionID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	rec, err := s.engine.EmergencyWithdraw(positionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.push()
	writeJSON(w, http.StatusOK, rec)
}

// ListPositions handles GET /api/v1/positions
// Returns the head of the active queue, optionally bounded by ?limit=.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	queue := s.engine.Snapshot().Queue
	if queue == nil {
		queue = []model.Position{}
	}
	if n := queryInt(r, "limit"); n > 0 && n < len(queue) {
		queue = queue[:n]
	}
	writeJSON(w, http.StatusOK, queue)
}

// ListExits handles GET /api/v1/exits
// Returns the in-memory exit history, most recent first.
func (s *Service) ListExits(w http.ResponseWriter, r *http.Request) {
	exits := s.engine.Snapshot().RecentExits
	if exits == nil {
		exits = []model.ExitRecord{}
	}
	writeJSON(w, http.StatusOK, exits)
}

// ListArchivedExits handles GET /api/v1/archive/exits
// Filters: ?session_id=, ?depositor_id=, ?reason=, ?limit=.
func (s *Service) ListArchivedExits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exits, err := s.store.ListExits(r.Context(), store.ExitFilter{
		SessionID:   q.Get("session_id"),
		DepositorID: q.Get("depositor_id"),
		Reason:      model.ExitReason(q.Get("reason")),
		Limit:       queryInt(r, "limit"),
	})
	if err != nil {
		writeError(w, "failed to list exits", http.StatusInternalServerError)
		return
	}
	if exits == nil {
		exits = []model.ExitRecord{}
	}
	writeJSON(w, http.StatusOK, exits)
}

// ListRounds handles GET /api/v1/rounds
func (s *Service) ListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.store.ListRounds(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeError(w, "failed to list rounds", http.StatusInternalServerError)
		return
	}
	if rounds == nil {
		rounds = []model.RoundLog{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

// GetRound handles GET /api/v1/rounds/{sessionID}/{round}
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil || n < 1 {
		writeError(w, "round must be a positive integer", http.StatusBadRequest)
		return
	}
	log, err := s.store.GetRound(r.Context(), chi.URLParam(r, "sessionID"), n)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load round", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// SettleRound handles POST /api/v1/rounds/settle
func (s *Service) SettleRound(w http.ResponseWriter, r *http.Request) {
	log, ok := s.engine.Settle(model.TerminationOperator)
	if !ok {
		writeError(w, "round already settled", http.StatusConflict)
		return
	}
	s.push()
	writeJSON(w, http.StatusOK, log)
}

// RestartRound handles POST /api/v1/rounds/restart
func (s *Service) RestartRound(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RestartRound(); err != nil {
		writeEngineError(w, err)
		return
	}
	s.push()
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// GetPolicy handles GET /api/v1/policy
func (s *Service) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policy.Snapshot())
}

// UpdatePolicy handles PUT /api/v1/policy
// The body is merged over the current policy, so partial updates work.
// Out-of-range values are clamped rather than rejected.
func (s *Service) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	check := s.policy.Snapshot()
	if err := json.Unmarshal(raw, &check); err != nil {
		writeError(w, "invalid policy: "+err.Error(), http.StatusBadRequest)
		return
	}

	cfg := s.policy.Mutate(func(c *policy.Config) {
		_ = json.Unmarshal(raw, c) // validated above
	})
	s.engine.Refresh()

	slog.Info("policy updated", "version", cfg.Version, "strategy", cfg.Strategy)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: MsgPolicy})
	}
	s.push()
	writeJSON(w, http.StatusOK, cfg)
}

// GetAudit handles GET /api/v1/audit
func (s *Service) GetAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auditor.Run(r.Context(), s.engine.Snapshot()))
}

// GetContract handles GET /api/v1/contract
func (s *Service) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := contract.Build(s.policy.Snapshot())
	if err != nil {
		writeError(w, "failed to render contract", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// push sends the latest snapshot to WebSocket clients.
func (s *Service) push() {
	if s.wsHub != nil {
		s.wsHub.BroadcastSnapshot(s.engine.Snapshot())
	}
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidAmount), errors.Is(err, engine.ErrInvalidRole):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrRoundClosed),
		errors.Is(err, engine.ErrRoundActive),
		errors.Is(err, engine.ErrNotWithdrawable):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("engine error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
