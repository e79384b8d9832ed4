package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustmesh/native/trust"
	"trustmesh/observability/metrics"
)

// accountHeader carries the caller's real account identifier. The host in
// front of this service is responsible for having authenticated it.
const accountHeader = "X-Account"

// FundsVault models the daemon-side custody of funds attached to a call.
// Receive books incoming funds before the engine runs; Refund returns them
// when the call aborts.
type FundsVault interface {
	Receive(account string, amount *big.Int)
	Refund(account string, amount *big.Int)
}

// Server exposes the trust engine over HTTP.
type Server struct {
	engine  *trust.Engine
	vault   FundsVault
	logger  *slog.Logger
	limiter *RateLimiter
}

// NewServer builds a server around the engine. vault and limiter may be nil.
func NewServer(engine *trust.Engine, vault FundsVault, logger *slog.Logger, limiter *RateLimiter) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, vault: vault, logger: logger, limiter: limiter}
}

// Router assembles the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/trust", func(r chi.Router) {
		r.Post("/profile", s.handleMutation("profile", func(caller string, req *mutationRequest, attached *big.Int) error {
			return s.engine.SetProfile(caller, req.Profile, attached)
		}))
		r.Post("/trust", s.handleMutation("trust", func(caller string, req *mutationRequest, attached *big.Int) error {
			if req.Level == nil {
				return fmt.Errorf("%w: level required", errBadRequest)
			}
			return s.engine.SetTrust(caller, req.Peer, *req.Level, attached)
		}))
		r.Post("/untrust", s.handleMutation("untrust", func(caller string, req *mutationRequest, attached *big.Int) error {
			return s.engine.RemoveTrust(caller, req.Peer, attached)
		}))
		r.Post("/block", s.handleMutation("block", func(caller string, req *mutationRequest, attached *big.Int) error {
			return s.engine.BlockUser(caller, req.Peer, attached)
		}))
		r.Post("/unblock", s.handleMutation("unblock", func(caller string, req *mutationRequest, attached *big.Int) error {
			return s.engine.UnblockUser(caller, req.Peer, attached)
		}))
		r.Post("/delete", s.handleMutation("delete", func(caller string, _ *mutationRequest, _ *big.Int) error {
			return s.engine.DeleteAccount(caller)
		}))

		r.Get("/users", s.handleListUsers)
		r.Get("/users/{id}", s.handleUserView)
		r.Get("/users/{id}/deposit", s.handleDeposit)
		r.Get("/deposits/total", s.handleTotalDeposits)
	})

	r.Post("/v1/admin/extract", s.handleExtract)

	return r
}

var errBadRequest = errors.New("rpc: bad request")

type mutationRequest struct {
	Profile string   `json:"profile,omitempty"`
	Peer    string   `json:"peer,omitempty"`
	Level   *float32 `json:"level,omitempty"`
	// Attached is the amount of funds sent along with this call, as a
	// decimal string.
	Attached string `json:"attached,omitempty"`
}

type extractRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleMutation(op string, apply func(caller string, req *mutationRequest, attached *big.Int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := strings.TrimSpace(r.Header.Get(accountHeader))
		if caller == "" {
			s.writeError(w, op, http.StatusBadRequest, fmt.Errorf("%s header required", accountHeader))
			return
		}
		var req mutationRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, op, http.StatusBadRequest, err)
			return
		}
		attached, err := parseAmount(req.Attached)
		if err != nil {
			s.writeError(w, op, http.StatusBadRequest, err)
			return
		}

		if s.vault != nil && attached.Sign() > 0 {
			s.vault.Receive(caller, attached)
		}
		if err := apply(caller, &req, attached); err != nil {
			// The call aborted; attached funds go straight back.
			if s.vault != nil && attached.Sign() > 0 {
				s.vault.Refund(caller, attached)
			}
			s.writeError(w, op, statusFor(err), err)
			return
		}
		metrics.Trust().Mutations.WithLabelValues(op, "ok").Inc()
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.engine.ListUserIDs()
	if err != nil {
		s.writeError(w, "users", http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"users": ids})
}

func (s *Server) handleUserView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok, err := s.engine.GetUserView(id)
	if err != nil {
		s.writeError(w, "user", http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.writeError(w, "user", http.StatusNotFound, trust.ErrUserNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deposit, ok, err := s.engine.GetDeposit(id)
	if err != nil {
		s.writeError(w, "deposit", http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.writeError(w, "deposit", http.StatusNotFound, trust.ErrUserNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deposit": deposit.String()})
}

func (s *Server) handleTotalDeposits(w http.ResponseWriter, _ *http.Request) {
	total, err := s.engine.TotalDeposits()
	if err != nil {
		s.writeError(w, "total", http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"total": total.String()})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	caller := strings.TrimSpace(r.Header.Get(accountHeader))
	if caller == "" {
		s.writeError(w, "extract", http.StatusBadRequest, fmt.Errorf("%s header required", accountHeader))
		return
	}
	var req extractRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "extract", http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, "extract", http.StatusBadRequest, err)
		return
	}
	if err := s.engine.ExtractSurplus(caller, strings.TrimSpace(req.To), amount); err != nil {
		s.writeError(w, "extract", statusFor(err), err)
		return
	}
	metrics.Trust().Mutations.WithLabelValues("extract", "ok").Inc()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(out)
	if err == nil || errors.Is(err, io.EOF) {
		// An absent body is fine for operations without parameters.
		return nil
	}
	return fmt.Errorf("%w: %v", errBadRequest, err)
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be a non-negative decimal, got %q", errBadRequest, value)
	}
	return amount, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, trust.ErrInvalidTrustLevel),
		errors.Is(err, trust.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, trust.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, trust.ErrBlockedByPeer),
		errors.Is(err, trust.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, trust.ErrUserNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Deficit string `json:"deficit,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, op string, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "error", err)
	}
	metrics.Trust().Mutations.WithLabelValues(op, "error").Inc()
	resp := errorResponse{Error: err.Error()}
	var insufficient *trust.InsufficientFundsError
	if errors.As(err, &insufficient) {
		resp.Deficit = insufficient.Deficit().String()
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
