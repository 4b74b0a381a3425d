package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ValoraRamp/internal/chain"
	"ValoraRamp/internal/exchange"
	"ValoraRamp/internal/handshake"
	"ValoraRamp/internal/lifecycle"
	"ValoraRamp/internal/models"
	"ValoraRamp/internal/pricing"
	"ValoraRamp/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// Market is the read-only side of the exchange backend.
type Market interface {
	Rate(ctx context.Context, token models.Token, fiat models.Fiat) (pricing.Rate, error)
	Banks(ctx context.Context, country string) ([]exchange.Bank, error)
}

type Forwarder interface {
	Forward(ctx context.Context, scope, incoming string) error
}

type ChainStatus interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, hash string) (*chain.Tx, error)
}

type Handler struct {
	Sessions  *services.SessionService
	Broker    *services.Broker
	Market    Market
	Handshake Forwarder
	Chain     ChainStatus
}

func NewHandler(sessions *services.SessionService, broker *services.Broker, market Market, hs Forwarder, chainStatus ChainStatus) *Handler {
	return &Handler{Sessions: sessions, Broker: broker, Market: market, Handshake: hs, Chain: chainStatus}
}

type rehydrateRequest struct {
	Ref string `json:"ref"`
}

type forwardRequest struct {
	Scope string `json:"scope"`
	URL   string `json:"url"`
}

type transactionResponse struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Pending     bool   `json:"pending"`
	BlockNumber string `json:"blockNumber,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "sessions": h.Sessions.Len()}
	if h.Chain != nil {
		block, err := h.Chain.BlockNumber(r.Context())
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("chain health check failed")
			resp["status"] = "degraded"
		} else {
			resp["block"] = block
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateSession opens a session from the query string of the link the page
// was opened with.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	v, err := h.Sessions.Create(r.Context(), r.URL.Query())
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Close(chi.URLParam(r, "sessionId")); err != nil {
		writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UpdateFields(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var f lifecycle.Fields
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	h.respond(w, r)(sess.Update(f))
}

// Submit places the order. A withdrawal blocks while the user signs in the
// wallet app, so it is detached from the request's cancellation and bounded
// by the session's signing timeout instead.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respond(w, r)(sess.Submit(context.WithoutCancel(r.Context())))
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respond(w, r)(sess.ConfirmPayment(r.Context()))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respond(w, r)(sess.Cancel(r.Context()))
}

func (h *Handler) StartNew(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.StartNew())
}

func (h *Handler) ConnectWallet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respond(w, r)(sess.ConnectWallet(context.WithoutCancel(r.Context())))
}

// Rehydrate answers with the view even when the reference could not be
// loaded; the view's state says why.
func (h *Handler) Rehydrate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req rehydrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	v, err := sess.Rehydrate(r.Context(), req.Ref)
	if err != nil && v.ID == "" {
		writeSessionError(w, r, err)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("ref", req.Ref).Msg("rehydrate failed")
	}
	writeJSON(w, http.StatusOK, v)
}

// HandshakeCallback receives the wallet's redirect when it lands in a
// browser context other than the one waiting for it.
func (h *Handler) HandshakeCallback(w http.ResponseWriter, r *http.Request) {
	incoming := r.URL.RequestURI()
	scope := handshake.ScopeOf(incoming)
	if err := h.Handshake.Forward(r.Context(), scope, incoming); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("scope", scope).Msg("wallet response not forwarded")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(callbackPage))
}

func (h *Handler) ForwardResponse(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	scope := req.Scope
	if scope == "" {
		scope = handshake.ScopeOf(req.URL)
	}
	if err := h.Handshake.Forward(r.Context(), scope, req.URL); err != nil {
		switch {
		case errors.Is(err, handshake.ErrStaleResponse):
			writeError(w, http.StatusConflict, "no pending request matches the response")
		case errors.Is(err, handshake.ErrNotHandshake):
			writeError(w, http.StatusBadRequest, "not a wallet response")
		default:
			writeError(w, http.StatusInternalServerError, "forward failed")
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token, okToken := models.ParseToken(q.Get("unit"))
	fiat, okFiat := models.ParseFiat(q.Get("currency"))
	if !okToken || !okFiat {
		writeError(w, http.StatusBadRequest, "unit and currency are required")
		return
	}
	rate, err := h.Market.Rate(r.Context(), token, fiat)
	if err != nil {
		writeUpstreamError(w, r, err, "rate lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (h *Handler) ListBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := h.Market.Banks(r.Context(), chi.URLParam(r, "country"))
	if err != nil {
		writeUpstreamError(w, r, err, "bank lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, banks)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if h.Chain == nil {
		writeError(w, http.StatusServiceUnavailable, "chain rpc not configured")
		return
	}
	tx, err := h.Chain.TransactionByHash(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("transaction lookup failed")
		writeError(w, http.StatusBadGateway, "transaction lookup failed")
		return
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	resp := transactionResponse{Hash: tx.Hash, From: tx.From, To: tx.To, Pending: tx.Pending()}
	if tx.BlockNumber != nil {
		resp.BlockNumber = tx.BlockNumber.ToInt().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*lifecycle.Session, bool) {
	sess, err := h.Sessions.Get(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeSessionError(w, r, err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) func(lifecycle.View, error) {
	return func(v lifecycle.View, err error) {
		if err != nil {
			writeSessionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *lifecycle.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "invalid fields", Fields: verr.Fields})
	case errors.Is(err, services.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, lifecycle.ErrInvalidParam):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrBusy),
		errors.Is(err, lifecycle.ErrInvalidState),
		errors.Is(err, lifecycle.ErrTokenLocked),
		errors.Is(err, lifecycle.ErrDiscarded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrTimedOut):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, lifecycle.ErrClosed):
		writeError(w, http.StatusNotFound, "session closed")
	default:
		writeUpstreamError(w, r, err, "order action failed")
	}
}

// writeUpstreamError relays exchange backend messages; anything else is
// logged and hidden.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		writeError(w, http.StatusBadGateway, apiErr.Message)
		return
	}
	hlog.FromRequest(r).Error().Err(err).Msg(fallback)
	writeError(w, http.StatusBadGateway, fallback)
}

const callbackPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Bitmama</title></head>
<body><p>You can close this tab and return to Bitmama.</p>
<script>window.close()</script></body></html>
`
