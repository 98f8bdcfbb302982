package adminserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/satswap/swapcore/internal/circuitbreaker"
	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/pkg/responders"
	"github.com/satswap/swapcore/pkg/swap/receipts"
)

const defaultTradeListLimit = 50

// healthResponse is the /healthz body: process liveness plus the state of
// each external-service circuit breaker, so an operator can tell a healthy
// idle node from one that has tripped its Solana or LN breaker open.
type healthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Breakers      map[string]string `json:"breakers,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	if h.breakers != nil {
		resp.Breakers = map[string]string{
			string(circuitbreaker.ServiceSolanaRPC):   h.breakers.State(circuitbreaker.ServiceSolanaRPC),
			string(circuitbreaker.ServiceLNRPC):       h.breakers.State(circuitbreaker.ServiceLNRPC),
			string(circuitbreaker.ServiceSidechannel): h.breakers.State(circuitbreaker.ServiceSidechannel),
		}
	}
	responders.JSON(w, http.StatusOK, resp)
}

func (h *handlers) listTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			responders.JSON(w, http.StatusBadRequest, swaperrors.NewWireError("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	records, err := h.store.ListTrades(r.Context(), limit)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"trades": redactAll(records)})
}

func (h *handlers) getTrade(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, redact(rec))
}

func (h *handlers) getEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.GetEvents(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *handlers) getByPaymentHash(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetByPaymentHash(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, redact(rec))
}

func (h *handlers) listOpenClaims(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListOpenClaims(r.Context(), time.Now().UnixMilli())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"claims": redactAll(records)})
}

func (h *handlers) listOpenRefunds(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListOpenRefunds(r.Context(), time.Now().UnixMilli())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"refunds": redactAll(records)})
}

func (h *handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if err == receipts.ErrNotFound {
		responders.JSON(w, http.StatusNotFound, swaperrors.NewWireError("trade not found"))
		return
	}
	h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("adminserver.store_error")
	responders.JSON(w, http.StatusInternalServerError, swaperrors.NewWireError("receipt store unavailable"))
}

// redact strips the LN preimage before a record leaves the process. The
// preimage is persisted only locally and only on explicit opt-in; it never
// goes out over HTTP, even to the operator.
func redact(r receipts.Record) receipts.Record {
	r.Preimage = ""
	return r
}

func redactAll(records []receipts.Record) []receipts.Record {
	out := make([]receipts.Record, len(records))
	for i, r := range records {
		out[i] = redact(r)
	}
	return out
}
