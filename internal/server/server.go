package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"paylinks/internal/claim"
	"paylinks/internal/config"
	"paylinks/internal/fees"
	"paylinks/internal/hmacauth"
	"paylinks/internal/idempotency"
	"paylinks/internal/ledger"
	"paylinks/internal/link"
	"paylinks/internal/relay"
)

type Server struct {
	cfg         *config.AppConfig
	links       link.Store
	relay       relay.Client
	deposits    *claim.DepositRecorder
	claims      *claim.Processor
	journal     *claim.Journal
	idem        idempotency.Store
	webhookHMAC *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	log         *logrus.Entry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, links link.Store, relayClient relay.Client,
	audit ledger.Log, idem idempotency.Store) *Server {

	webhookVerifier := &hmacauth.Verifier{
		Secret:          cfg.Seed.Secrets.DepositWebhookSecret,
		MaxSkew:         cfg.Service.HMACClockSkew,
		SignatureHeader: "X-Deposit-Signature",
		TimestampHeader: "X-Request-Timestamp",
	}

	journal := claim.NewJournal(cfg.Service.JournalPath)
	processor := claim.NewProcessor(links, relayClient, cfg.Fees, audit, journal, claim.RelayerConfig{
		SafetyBuffer:     cfg.SafetyBuffer,
		RelayFeeEstimate: cfg.RelayFeeEstimate,
		RelayTimeout:     cfg.Service.RelayTimeout,
	})

	s := &Server{
		cfg:         cfg,
		links:       links,
		relay:       relayClient,
		deposits:    claim.NewDepositRecorder(links, audit),
		claims:      processor,
		journal:     journal,
		idem:        idem,
		webhookHMAC: webhookVerifier,
		metrics:     newMetricsRegistry(),
		log:         logrus.WithField("component", "server"),
	}

	if checker, ok := links.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := relayClient.(relay.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/links", s.handleCreateLink)
	mux.Handle("POST /api/v1/links/{id}/deposit", s.webhookHMAC.Middleware(http.HandlerFunc(s.handleDeposit)))
	mux.HandleFunc("POST /api/v1/links/{id}/claim", s.handleClaim)
	mux.HandleFunc("GET /api/v1/links/{id}", s.handleGetLink)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createLinkRequest struct {
	Amount      string `json:"amount"`
	AssetTag    string `json:"assetTag"`
	ClaimPubKey string `json:"claimPubKey"`
}

type createLinkResponse struct {
	LinkID string `json:"linkId"`
}

type depositRequest struct {
	ExternalDepositRef string `json:"externalDepositRef"`
	FromAddress        string `json:"fromAddress"`
}

type depositResponse struct {
	OK bool `json:"ok"`
}

type claimRequest struct {
	Recipient     string `json:"recipient"`
	AuthSignature string `json:"authSignature"`
}

type claimResponse struct {
	PayoutProof string `json:"payoutProof"`
}

type linkResponse struct {
	LinkID    string `json:"linkId"`
	State     string `json:"state"`
	Amount    string `json:"amount"`
	AssetTag  string `json:"assetTag"`
	ClaimedBy string `json:"claimedBy,omitempty"`
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, key, done := s.replayOrAdmit(w, r)
	if done {
		return
	}

	var payload createLinkRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, &link.ValidationError{Field: "body", Reason: "invalid json payload"})
		return
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		writeError(w, &link.ValidationError{Field: "amount", Reason: "not a decimal"})
		return
	}

	l, err := s.links.Create(ctx, amount, payload.AssetTag, payload.ClaimPubKey)
	if err != nil {
		writeError(w, err)
		return
	}

	s.metrics.incLinkCreated()
	s.respond(ctx, w, key, body, http.StatusCreated, createLinkResponse{LinkID: l.ID})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	linkID := r.PathValue("id")

	var payload depositRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.metrics.incDeposit("invalid")
		writeError(w, &link.ValidationError{Field: "body", Reason: "invalid json payload"})
		return
	}

	if err := s.deposits.Attach(ctx, linkID, payload.ExternalDepositRef, payload.FromAddress); err != nil {
		s.metrics.incDeposit(depositOutcome(err))
		writeError(w, err)
		return
	}

	s.metrics.incDeposit("recorded")
	writeJSON(w, http.StatusOK, depositResponse{OK: true})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	linkID := r.PathValue("id")

	body, key, done := s.replayOrAdmit(w, r)
	if done {
		return
	}

	var payload claimRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, &link.ValidationError{Field: "body", Reason: "invalid json payload"})
		return
	}
	if payload.Recipient == "" {
		writeError(w, &link.ValidationError{Field: "recipient", Reason: "required"})
		return
	}

	start := time.Now()
	proof, err := s.claims.Claim(ctx, linkID, payload.Recipient, payload.AuthSignature)
	s.metrics.observeClaim(time.Since(start).Seconds())
	s.metrics.setReconciliationDepth(s.journal.Depth())

	if err != nil {
		s.metrics.incClaim(claimOutcome(err))
		writeError(w, err)
		return
	}

	s.metrics.incClaim("paid")
	s.respond(ctx, w, key, body, http.StatusOK, claimResponse{PayoutProof: proof})
}

func (s *Server) handleGetLink(w http.ResponseWriter, r *http.Request) {
	l, err := s.links.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := linkResponse{
		LinkID:   l.ID,
		State:    string(l.State),
		Amount:   l.Amount.String(),
		AssetTag: l.AssetTag,
	}
	if l.State == link.StateClaimed {
		resp.ClaimedBy = l.ClaimedBy
	}
	writeJSON(w, http.StatusOK, resp)
}

// replayOrAdmit handles the optional X-Idempotency-Key header: replays a
// stored response for the same key+body, rejects a reused key with a
// different body, and otherwise hands back the raw body for processing.
func (s *Server) replayOrAdmit(w http.ResponseWriter, r *http.Request) (body []byte, key string, done bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return nil, "", true
	}

	key = r.Header.Get("X-Idempotency-Key")
	if key == "" {
		return body, "", false
	}

	existing, err := s.idem.Get(r.Context(), key)
	if err != nil {
		s.log.WithError(err).Warn("idempotency lookup failed")
		return body, key, false
	}
	if existing == nil {
		return body, key, false
	}

	if existing.RequestHash != idempotency.HashRequest(body) {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: "idempotency key reused with a different payload",
			Code:  "idempotency_conflict",
		})
		return nil, "", true
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(existing.StatusCode)
	_, _ = w.Write(existing.Response)
	return nil, "", true
}

// respond writes the success payload and, when an idempotency key was
// supplied, stores it for replay. Failures are never cached: a retry with
// the same key should re-run the operation.
func (s *Server) respond(ctx context.Context, w http.ResponseWriter, key string, body []byte, status int, payload any) {
	b, _ := json.Marshal(payload)

	if key != "" {
		record := idempotency.Record{
			StatusCode:  status,
			Response:    b,
			RequestHash: idempotency.HashRequest(body),
			CreatedAt:   time.Now(),
			ExpiresAt:   time.Now().Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.idem.Save(ctx, key, record); err != nil {
			s.log.WithError(err).Warn("idempotency save failed")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	State     string `json:"state,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := mapError(err)
	writeJSON(w, status, resp)
}

func mapError(err error) (int, errorResponse) {
	var validation *link.ValidationError
	var notClaimable *claim.NotClaimableError
	var insufficient *claim.InsufficientBalanceError
	var fatal *claim.FatalConsistencyError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"}
	case errors.Is(err, link.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"}
	case errors.Is(err, claim.ErrUnauthorized):
		return http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: "unauthorized"}
	case errors.Is(err, claim.ErrAlreadyDeposited):
		return http.StatusConflict, errorResponse{Error: err.Error(), Code: "already_deposited"}
	case errors.Is(err, claim.ErrAlreadyClaimed):
		return http.StatusConflict, errorResponse{Error: err.Error(), Code: "already_claimed"}
	case errors.Is(err, claim.ErrClaimInProgress):
		return http.StatusConflict, errorResponse{Error: err.Error(), Code: "claim_in_progress"}
	case errors.As(err, &notClaimable):
		return http.StatusConflict, errorResponse{
			Error: err.Error(), Code: "not_claimable", State: string(notClaimable.State),
		}
	case errors.Is(err, fees.ErrFeeExceedsAmount):
		return http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "fee_exceeds_amount"}
	case errors.As(err, &insufficient):
		return http.StatusServiceUnavailable, errorResponse{
			Error: err.Error(), Code: "insufficient_balance", Retryable: true,
		}
	case relay.IsPermanent(err):
		return http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "relay_rejected"}
	case relay.IsTransient(err):
		return http.StatusServiceUnavailable, errorResponse{
			Error: err.Error(), Code: "relay_unavailable", Retryable: true,
		}
	case errors.As(err, &fatal):
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "fatal_consistency"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "internal"}
	}
}

func depositOutcome(err error) string {
	switch {
	case errors.Is(err, claim.ErrAlreadyDeposited):
		return "rejected_duplicate"
	case errors.Is(err, link.ErrNotFound):
		return "not_found"
	default:
		return "failed"
	}
}

func claimOutcome(err error) string {
	var notClaimable *claim.NotClaimableError
	var insufficient *claim.InsufficientBalanceError
	var fatal *claim.FatalConsistencyError

	switch {
	case errors.Is(err, claim.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, claim.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, claim.ErrClaimInProgress):
		return "claim_in_progress"
	case errors.As(err, &notClaimable):
		return "not_claimable"
	case errors.Is(err, fees.ErrFeeExceedsAmount):
		return "fee_exceeds_amount"
	case errors.As(err, &insufficient):
		return "insufficient_balance"
	case relay.IsPermanent(err):
		return "relay_permanent"
	case relay.IsTransient(err):
		return "relay_transient"
	case errors.As(err, &fatal):
		return "fatal"
	default:
		return "failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	depth := s.journal.Depth()
	s.metrics.setReconciliationDepth(depth)

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status              string      `json:"status"`
		RPC                 interface{} `json:"rpc"`
		Database            interface{} `json:"database"`
		ReconciliationDepth int         `json:"reconciliation_depth"`
	}{
		Status:              status,
		RPC:                 rpcInfo,
		Database:            dbInfo,
		ReconciliationDepth: depth,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
