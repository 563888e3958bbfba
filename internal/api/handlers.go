package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"racebot/internal/config"
	"racebot/internal/engine"
	"racebot/internal/ledger"
	"racebot/internal/race"
	"racebot/pkg/types"
)

const maxBodyBytes = 64 * 1024

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	cfg      config.ServerConfig
	backend  Backend
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg config.ServerConfig, backend Backend, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed accepts requests without an Origin header. With an
// allowlist only exact matches pass; otherwise loopback origins and the
// server's own host are allowed.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		return slices.Contains(cfg.AllowedOrigins, origin)
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	switch host := u.Hostname(); host {
	case "localhost":
		return true
	default:
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus returns the engine status
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Status())
}

// HandleConnections returns the resource pool summary
func (h *Handlers) HandleConnections(w http.ResponseWriter, r *http.Request) {
	count, rate := h.backend.ConnectionStats()
	writeJSON(w, http.StatusOK, ConnectionStats{Count: count, SuccessRate: rate})
}

// HandleLogs returns recent race log events, oldest first
func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.backend.Logs().Recent(limit))
}

// HandleClaim starts a claim race
func (h *Handlers) HandleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	urgency, err := types.ParseUrgency(req.Urgency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	op, err := h.backend.StartClaimRace(race.ClaimParams{
		WalletPhrase:  req.WalletPhrase,
		SponsorPhrase: req.SponsorPhrase,
		Urgency:       urgency,
	})
	h.respondRace(w, op, err)
}

// HandleTransfer starts a transfer race
func (h *Handlers) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	urgency, err := types.ParseUrgency(req.Urgency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := types.ParseUnits(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	op, err := h.backend.StartTransferRace(race.TransferParams{
		WalletPhrase: req.WalletPhrase,
		Destination:  req.Destination,
		Amount:       amount,
		Memo:         req.Memo,
		Urgency:      urgency,
	})
	h.respondRace(w, op, err)
}

// HandleWithdraw starts a transfer race and, when a sponsor phrase is
// given, a sponsored claim race for the same wallet
func (h *Handlers) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	urgency, err := types.ParseUrgency(req.Urgency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := types.ParseUnits(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	claim, transfer, err := h.backend.StartWithdraw(engine.WithdrawParams{
		WalletPhrase:  req.WalletPhrase,
		SponsorPhrase: req.SponsorPhrase,
		Destination:   req.Destination,
		Amount:        amount,
		Memo:          req.Memo,
		Urgency:       urgency,
	})
	if err != nil {
		h.writeStartError(w, err)
		return
	}
	resp := WithdrawAccepted{Transfer: accepted(transfer)}
	if claim != nil {
		c := accepted(claim)
		resp.Claim = &c
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// HandleRace reports the state of a live or recently finished race
func (h *Handlers) HandleRace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, ok := h.backend.Race(id)
	if !ok {
		writeError(w, http.StatusNotFound, "race not found")
		return
	}
	status := RaceStatus{
		RaceID:        op.ID,
		Kind:          string(op.Kind),
		Outcome:       op.Outcome().String(),
		Fee:           types.FormatUnits(op.Fee),
		Workers:       op.Workers,
		Attempts:      op.Attempts(),
		LateSuccesses: op.LateSuccesses(),
		StartedAt:     op.StartedAt,
	}
	if res, won := op.Result(); won {
		status.Winner = &RaceWinner{
			Worker:        res.Worker,
			Attempt:       res.Attempt,
			TransactionID: res.TransactionID,
			ElapsedMs:     res.Elapsed.Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func accepted(op *race.Operation) RaceAccepted {
	return RaceAccepted{
		RaceID:  op.ID,
		Kind:    string(op.Kind),
		Fee:     types.FormatUnits(op.Fee),
		Workers: op.Workers,
	}
}

func (h *Handlers) writeStartError(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrValidation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("failed to start race", "error", err)
	writeError(w, http.StatusServiceUnavailable, err.Error())
}

func (h *Handlers) respondRace(w http.ResponseWriter, op *race.Operation, err error) {
	if err != nil {
		h.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted(op))
}

// HandleCompetitorFee records a competitor fee observed out of band
func (h *Handlers) HandleCompetitorFee(w http.ResponseWriter, r *http.Request) {
	var req CompetitorFeeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Fee == 0 {
		writeError(w, http.StatusBadRequest, "fee must be > 0")
		return
	}
	h.backend.RecordCompetitorFee(req.Fee)
	w.WriteHeader(http.StatusNoContent)
}

// HandleWebSocket upgrades the connection and streams race log events,
// starting with the recent history.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	replay, events, cancel := h.backend.Logs().SubscribeWithHistory(clientBufferSize, replayEvents)
	client := newStreamClient(conn, events, cancel, h.logger)
	client.start(replay)
}
