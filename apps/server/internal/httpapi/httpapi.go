package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crash-lite/apps/server/internal/codec"
	"crash-lite/apps/server/internal/engine"
	"crash-lite/apps/server/internal/store"
	"crash-lite/crash"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	requestTimeout  = 5 * time.Second
	verifyCacheSize = 4096
)

// Engine is the live-round surface exposed over HTTP.
type Engine interface {
	RiskStatus() engine.RiskStatus
	ForceEnd(ctx context.Context) error
}

type Options struct {
	AdminToken string
	// Defaults for verify requests that omit them.
	ClientSeed string
	HouseEdge  float64
}

type Handler struct {
	store  store.Store
	engine Engine
	opts   Options
	logger *zap.Logger
	verify *lru.Cache[crash.VerifyInput, crash.VerifyResult]
}

type errorResponse struct {
	Error string `json:"error"`
}

type roundView struct {
	ID                  string  `json:"id"`
	Seq                 uint64  `json:"seq"`
	State               string  `json:"state"`
	CommitmentHash      string  `json:"commitment_hash"`
	ServerSeed          string  `json:"server_seed,omitempty"`
	ClientSeed          string  `json:"client_seed"`
	Salt                string  `json:"salt,omitempty"`
	HouseEdge           float64 `json:"house_edge"`
	CommittedCrashPoint float64 `json:"committed_crash_point,omitempty"`
	CrashPoint          float64 `json:"crash_point,omitempty"`
	OverrideReason      string  `json:"override_reason,omitempty"`
	CreatedAtMs         int64   `json:"created_at_ms,omitempty"`
	StartedAtMs         int64   `json:"started_at_ms,omitempty"`
	EndedAtMs           int64   `json:"ended_at_ms,omitempty"`
	TotalStake          int64   `json:"total_stake"`
	TotalPayout         int64   `json:"total_payout"`
}

type betView struct {
	ID          string  `json:"id"`
	Wallet      string  `json:"wallet"`
	Track       string  `json:"track"`
	Amount      int64   `json:"amount"`
	AutoCashout float64 `json:"auto_cashout,omitempty"`
	Cashout     float64 `json:"cashout,omitempty"`
	Payout      int64   `json:"payout"`
	Lost        bool    `json:"lost"`
	Synthetic   bool    `json:"synthetic"`
}

type eventView struct {
	Seq        uint64         `json:"seq"`
	Type       string         `json:"type"`
	ServerTsMs int64          `json:"server_ts_ms"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type verifyRequest struct {
	Seq            uint64   `json:"seq,omitempty"`
	ServerSeed     string   `json:"server_seed"`
	CommitmentHash string   `json:"commitment_hash"`
	ClientSeed     string   `json:"client_seed"`
	Salt           string   `json:"salt"`
	HouseEdge      *float64 `json:"house_edge,omitempty"`
}

type verifyResponse struct {
	CommitmentHash      string  `json:"commitment_hash"`
	CrashPoint          float64 `json:"crash_point"`
	Seq                 uint64  `json:"seq,omitempty"`
	EffectiveCrashPoint float64 `json:"effective_crash_point,omitempty"`
	OverrideReason      string  `json:"override_reason,omitempty"`
	Matches             *bool   `json:"matches,omitempty"`
}

func NewHandler(st store.Store, eng Engine, opts Options, logger *zap.Logger) (*Handler, error) {
	cache, err := lru.New[crash.VerifyInput, crash.VerifyResult](verifyCacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:  st,
		engine: eng,
		opts:   opts,
		logger: logger,
		verify: cache,
	}, nil
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/rounds/recent", h.handleRecent)
	mux.HandleFunc("/api/rounds/", h.handleRounds)
	mux.HandleFunc("/api/verify", h.handleVerify)
	mux.HandleFunc("/api/risk", h.handleRisk)
	mux.HandleFunc("/api/admin/rounds/force-end", h.handleForceEnd)
	mux.HandleFunc("/health", h.handleHealth)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	rounds, err := h.store.ListEnded(ctx, limit)
	if err != nil {
		h.logger.Error("list recent rounds", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query recent rounds failed")
		return
	}
	items := make([]roundView, 0, len(rounds))
	for _, rd := range rounds {
		items = append(items, toRoundView(rd))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

func (h *Handler) handleRounds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rounds/"), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	parts := strings.Split(path, "/")
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || seq == 0 {
		writeError(w, http.StatusBadRequest, "invalid round sequence")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetRound(w, r, seq)
	case len(parts) == 2 && parts[1] == "events":
		h.handleRoundEvents(w, r, seq)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) handleGetRound(w http.ResponseWriter, r *http.Request, seq uint64) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	rd, err := h.publicRound(ctx, seq)
	if err != nil {
		h.writeStoreError(w, err, "round")
		return
	}
	bets, err := h.store.ListBets(ctx, rd.ID)
	if err != nil {
		h.logger.Error("list round bets", zap.Uint64("seq", seq), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query bets failed")
		return
	}
	views := make([]betView, 0, len(bets))
	for _, b := range bets {
		views = append(views, betView{
			ID:          b.ID,
			Wallet:      b.Wallet,
			Track:       b.Track.String(),
			Amount:      b.Amount,
			AutoCashout: b.AutoCashout,
			Cashout:     b.Cashout,
			Payout:      b.Payout,
			Lost:        b.Lost,
			Synthetic:   b.Synthetic,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round": toRoundView(rd),
		"bets":  views,
	})
}

func (h *Handler) handleRoundEvents(w http.ResponseWriter, r *http.Request, seq uint64) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	rd, err := h.publicRound(ctx, seq)
	if err != nil {
		h.writeStoreError(w, err, "round")
		return
	}
	if rd.State != crash.StateEnded {
		writeError(w, http.StatusConflict, "round has not ended")
		return
	}
	records, err := h.store.ListEvents(ctx, rd.ID)
	if err != nil {
		h.writeStoreError(w, err, "events")
		return
	}
	events := make([]eventView, 0, len(records))
	for _, rec := range records {
		ev := eventView{Seq: rec.Seq, Type: rec.EventType, ServerTsMs: rec.ServerTsMs}
		if env, err := codec.Decode(rec.Envelope, codec.FormatBinary); err == nil {
			ev.Payload = env.Payload
		} else {
			h.logger.Warn("decode stored event", zap.String("round_id", rd.ID), zap.Uint64("seq", rec.Seq), zap.Error(err))
		}
		events = append(events, ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id": rd.ID,
		"seq":      rd.Seq,
		"events":   events,
	})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		req.ServerSeed = q.Get("server_seed")
		req.CommitmentHash = q.Get("commitment_hash")
		req.ClientSeed = q.Get("client_seed")
		req.Salt = q.Get("salt")
		if raw := strings.TrimSpace(q.Get("seq")); raw != "" {
			seq, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid round sequence")
				return
			}
			req.Seq = seq
		}
		if raw := strings.TrimSpace(q.Get("house_edge")); raw != "" {
			edge, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid house edge")
				return
			}
			req.HouseEdge = &edge
		}
	case http.MethodPost:
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if req.Seq != 0 {
		h.verifyStoredRound(w, r, func(ctx context.Context) (crash.Round, error) {
			return h.publicRound(ctx, req.Seq)
		})
		return
	}
	if req.ServerSeed == "" && req.CommitmentHash != "" {
		h.verifyStoredRound(w, r, func(ctx context.Context) (crash.Round, error) {
			return h.store.GetRoundByCommitment(ctx, req.CommitmentHash)
		})
		return
	}

	in := crash.VerifyInput{
		ServerSeed:     req.ServerSeed,
		CommitmentHash: req.CommitmentHash,
		ClientSeed:     req.ClientSeed,
		Salt:           req.Salt,
		HouseEdge:      h.opts.HouseEdge,
	}
	if in.ClientSeed == "" {
		in.ClientSeed = h.opts.ClientSeed
	}
	if req.HouseEdge != nil {
		in.HouseEdge = *req.HouseEdge
	}
	res, err := h.verifyCached(in)
	if err != nil {
		if errors.Is(err, crash.ErrCommitmentMismatch) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		CommitmentHash: res.CommitmentHash,
		CrashPoint:     res.CrashPoint,
	})
}

// verifyStoredRound recomputes an ended round from its stored seeds and
// compares it with the committed value.
func (h *Handler) verifyStoredRound(w http.ResponseWriter, r *http.Request, load func(context.Context) (crash.Round, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	rd, err := load(ctx)
	if err != nil {
		h.writeStoreError(w, err, "round")
		return
	}
	if rd.State != crash.StateEnded {
		writeError(w, http.StatusConflict, "round has not ended")
		return
	}
	res, err := h.verifyCached(crash.VerifyInput{
		ServerSeed:     rd.ServerSeed,
		CommitmentHash: rd.CommitmentHash,
		ClientSeed:     rd.ClientSeed,
		Salt:           rd.Salt,
		HouseEdge:      rd.HouseEdge,
	})
	if err != nil {
		h.logger.Error("stored round failed verification", zap.Uint64("seq", rd.Seq), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "round failed verification")
		return
	}
	matches := res.CrashPoint == rd.CommittedCrashPoint
	writeJSON(w, http.StatusOK, verifyResponse{
		CommitmentHash:      res.CommitmentHash,
		CrashPoint:          res.CrashPoint,
		Seq:                 rd.Seq,
		EffectiveCrashPoint: rd.CrashPoint,
		OverrideReason:      rd.OverrideReason,
		Matches:             &matches,
	})
}

// publicRound loads a round that has left the queue. A queued round's
// commitment hash is the server seed of the round before it, so queued
// rounds read as not found.
func (h *Handler) publicRound(ctx context.Context, seq uint64) (crash.Round, error) {
	rd, err := h.store.GetRound(ctx, seq)
	if err != nil {
		return crash.Round{}, err
	}
	if rd.State == crash.StateEnded {
		return rd, nil
	}
	consumed, err := h.store.IsConsumed(ctx, seq)
	if err != nil {
		return crash.Round{}, err
	}
	if !consumed {
		return crash.Round{}, store.ErrNotFound
	}
	return rd, nil
}

func (h *Handler) verifyCached(in crash.VerifyInput) (crash.VerifyResult, error) {
	if res, ok := h.verify.Get(in); ok {
		return res, nil
	}
	res, err := crash.Verify(in)
	if err != nil {
		return crash.VerifyResult{}, err
	}
	h.verify.Add(in, res)
	return res, nil
}

func (h *Handler) handleRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.RiskStatus())
}

func (h *Handler) handleForceEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorizeAdmin(r) {
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.engine.ForceEnd(ctx); err != nil {
		switch {
		case errors.Is(err, crash.ErrRoundNotActive):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrEngineStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "force end failed")
		}
		return
	}
	h.logger.Warn("round force-ended via admin api")
	writeJSON(w, http.StatusOK, map[string]any{
		"ended": true,
	})
}

func (h *Handler) authorizeAdmin(r *http.Request) bool {
	if h.opts.AdminToken == "" {
		return false
	}
	token := bearerToken(r.Header.Get("Authorization"))
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) == 1
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.Error("query "+what, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "query "+what+" failed")
}

// toRoundView hides the seed and crash point of rounds still in play.
func toRoundView(r crash.Round) roundView {
	v := roundView{
		ID:             r.ID,
		Seq:            r.Seq,
		State:          r.State.String(),
		CommitmentHash: r.CommitmentHash,
		ClientSeed:     r.ClientSeed,
		HouseEdge:      r.HouseEdge,
		CreatedAtMs:    unixMs(r.CreatedAt),
		StartedAtMs:    unixMs(r.StartedAt),
		EndedAtMs:      unixMs(r.EndedAt),
		TotalStake:     r.TotalStake,
		TotalPayout:    r.TotalPayout,
	}
	if r.State == crash.StateEnded {
		v.ServerSeed = r.ServerSeed
		v.Salt = r.Salt
		v.CommittedCrashPoint = r.CommittedCrashPoint
		v.CrashPoint = r.CrashPoint
		v.OverrideReason = r.OverrideReason
	}
	return v
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseLimit(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 20
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 20
	}
	if n > 100 {
		return 100
	}
	return n
}

func bearerToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
