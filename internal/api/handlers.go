/**
 * @description
 * This file contains the HTTP handlers for the stream-service's API
 * endpoints. Handlers parse incoming requests, call the application service,
 * and translate service errors into HTTP status codes. All authorization of
 * the stream operations themselves happens in the service layer via ed25519
 * signatures; the handlers never trust a caller identity for those.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http, strconv: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/engine, internal/store: Service
 *   logic, models, and error taxonomy.
 */

package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/paystream/stream-service/internal/app"
	"github.com/paystream/stream-service/internal/domain"
	"github.com/paystream/stream-service/internal/engine"
	"github.com/paystream/stream-service/internal/store"
)

// StreamHandlers holds the application service that handlers will use.
type StreamHandlers struct {
	service *app.Service
}

// NewStreamHandlers creates a new instance of StreamHandlers.
func NewStreamHandlers(service *app.Service) *StreamHandlers {
	return &StreamHandlers{service: service}
}

// CreateStreamHandler handles POST /streams.
func (h *StreamHandlers) CreateStreamHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	view, err := h.service.CreateStream(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "create_stream", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, view)
}

// GetStreamHandler handles GET /streams/{address}.
func (h *StreamHandlers) GetStreamHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	view, err := h.service.GetStream(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, "get_stream", err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// ListStreamsHandler handles GET /streams?party=<pubkey>.
func (h *StreamHandlers) ListStreamsHandler(w http.ResponseWriter, r *http.Request) {
	party := r.URL.Query().Get("party")
	if party == "" {
		h.writeError(w, http.StatusBadRequest, "Query parameter 'party' is required")
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	views, err := h.service.ListStreams(r.Context(), party, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_streams", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"streams": views})
}

// GetStreamAccountHandler handles GET /streams/{address}/account. It serves
// the serialized account record in the on-chain binary layout for clients
// that verify state against the wire format.
func (h *StreamHandlers) GetStreamAccountHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	data, err := h.service.ExportStreamAccount(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, "get_stream_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"address": address,
		"data":    base64.StdEncoding.EncodeToString(data),
	})
}

// ListStreamTransfersHandler handles GET /streams/{address}/transfers.
func (h *StreamHandlers) ListStreamTransfersHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	transfers, err := h.service.ListStreamTransfers(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, "list_stream_transfers", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": transfers})
}

// RedeemStreamHandler handles POST /streams/{address}/redeem.
func (h *StreamHandlers) RedeemStreamHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	var req domain.RedeemStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.service.RedeemStream(r.Context(), address, req)
	if err != nil {
		h.writeServiceError(w, "redeem_stream", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// CancelStreamHandler handles POST /streams/{address}/cancel.
func (h *StreamHandlers) CancelStreamHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	var req domain.CancelStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.service.CancelStream(r.Context(), address, req)
	if err != nil {
		h.writeServiceError(w, "cancel_stream", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ReclaimStreamHandler handles POST /streams/{address}/reclaim.
func (h *StreamHandlers) ReclaimStreamHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	var req domain.ReclaimStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.service.ReclaimStream(r.Context(), address, req)
	if err != nil {
		h.writeServiceError(w, "reclaim_stream", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// GetTokenAccountHandler handles GET /accounts/{address}.
func (h *StreamHandlers) GetTokenAccountHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	account, err := h.service.GetTokenAccount(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, "get_token_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// InternalDepositHandler handles POST /internal/deposits. It is the HTTP
// twin of the deposit.confirmed queue consumer, used by operators and by
// gateways that cannot publish to RabbitMQ.
func (h *StreamHandlers) InternalDepositHandler(w http.ResponseWriter, r *http.Request) {
	var ev domain.DepositEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.CreditDeposit(r.Context(), ev); err != nil {
		h.writeServiceError(w, "internal_deposit", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

// mapServiceError translates a service error into a status code and a
// client-safe message.
func mapServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusUnauthorized, "Signature verification failed"
	case errors.Is(err, engine.ErrInvalidParameters):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrAccountMismatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "Insufficient funds in the source account"
	case errors.Is(err, engine.ErrDuplicateStream):
		return http.StatusConflict, "A stream between these parties already exists"
	case errors.Is(err, store.ErrStreamConflict):
		return http.StatusConflict, "Stream state changed concurrently; retry the request"
	case errors.Is(err, engine.ErrNoFundsToRedeem):
		return http.StatusUnprocessableEntity, "Nothing has vested since the last redemption"
	case errors.Is(err, engine.ErrStreamNotExpired):
		return http.StatusUnprocessableEntity, "Stream duration has not elapsed yet"
	case errors.Is(err, engine.ErrNoFundsToReclaim):
		return http.StatusUnprocessableEntity, "Stream is already fully settled"
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, store.ErrStreamNotFound):
		return http.StatusNotFound, "Stream not found"
	case errors.Is(err, store.ErrTokenAccountNotFound):
		return http.StatusNotFound, "Token account not found"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (h *StreamHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status, message := mapServiceError(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s err=%v", endpoint, err)
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=reject status=%d err=%v", endpoint, status, err)
	}
	h.writeError(w, status, message)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (h *StreamHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *StreamHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
