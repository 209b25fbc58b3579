package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/challenge"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/claims"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/store/ledger"
)

const maxBodyBytes = 64 << 10

// ClaimService is the part of claims.Service the HTTP layer needs.
type ClaimService interface {
	Claim(ctx context.Context, req claims.Request) (claims.Result, error)
	IssueChallenge(ctx context.Context, address string) (challenge.Challenge, error)
	History(ctx context.Context, address string) ([]ledger.Record, error)
}

var _ ClaimService = (*claims.Service)(nil)

// ChallengeResponse is the body of GET /challenge.
type ChallengeResponse struct {
	Message   string    `json:"message"`
	Nonce     string    `json:"nonce"`
	Window    string    `json:"window"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Server serves the claim endpoints.
type Server struct {
	svc    ClaimService
	logger *slog.Logger
}

func NewServer(svc ClaimService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger.With("component", "api")}
}

// Routes registers the endpoints on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/claim", s.HandleClaim)
	mux.HandleFunc("/challenge", s.HandleChallenge)
	mux.HandleFunc("/claims/{address}", s.HandleHistory)
	mux.HandleFunc("/health", HandleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r)
	})
	return mux
}

// Handler wraps Routes with request ids and, when limiter is non-nil, per-IP
// rate limiting.
func (s *Server) Handler(limiter *RateLimiter) http.Handler {
	var h http.Handler = s.Routes()
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return RequestID(h)
}

// StatusCode maps a claim error onto its HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, claims.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, claims.ErrInvalidRequest),
		errors.Is(err, claims.ErrInvalidSignature),
		errors.Is(err, claims.ErrInvalidChallenge):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// HandleClaim handles POST /claim.
func (s *Server) HandleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req claims.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, claims.Result{
			Status: claims.StatusRejected,
			Reason: claims.Reason(claims.ErrInvalidRequest),
		})
		return
	}

	res, err := s.svc.Claim(r.Context(), req)
	if err != nil {
		s.logger.InfoContext(r.Context(), "claim rejected",
			"request_id", GetRequestID(r.Context()), "reason", res.Reason, "error", err)
	}
	writeJSON(w, StatusCode(err), res)
}

// HandleChallenge handles GET /challenge?address=0x...
func (s *Server) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}

	c, err := s.svc.IssueChallenge(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		if errors.Is(err, claims.ErrInvalidRequest) {
			WriteBadRequest(w, r, "address must be a 0x-prefixed 20 byte hex address")
			return
		}
		WriteInternal(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ChallengeResponse{
		Message:   c.Message(),
		Nonce:     c.Nonce,
		Window:    c.WindowID,
		ExpiresAt: c.ExpiresAt,
	})
}

// HandleHistory handles GET /claims/{address}.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}

	records, err := s.svc.History(r.Context(), r.PathValue("address"))
	if err != nil {
		if errors.Is(err, claims.ErrInvalidRequest) {
			WriteBadRequest(w, r, "address must be a 0x-prefixed 20 byte hex address")
			return
		}
		WriteInternal(w, r, s.logger, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleHealth answers liveness checks.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
