package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paystream/stream-service/internal/app"
	"github.com/paystream/stream-service/internal/engine"
	"github.com/paystream/stream-service/internal/store"
)

func TestMapServiceError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", engine.ErrUnauthorized, http.StatusUnauthorized},
		{"wrapped unauthorized", fmt.Errorf("%w: bad signature", engine.ErrUnauthorized), http.StatusUnauthorized},
		{"invalid parameters", engine.ErrInvalidParameters, http.StatusBadRequest},
		{"account mismatch", engine.ErrAccountMismatch, http.StatusBadRequest},
		{"insufficient funds", engine.ErrInsufficientFunds, http.StatusPaymentRequired},
		{"duplicate stream", engine.ErrDuplicateStream, http.StatusConflict},
		{"concurrent conflict", store.ErrStreamConflict, http.StatusConflict},
		{"nothing vested", engine.ErrNoFundsToRedeem, http.StatusUnprocessableEntity},
		{"not expired", engine.ErrStreamNotExpired, http.StatusUnprocessableEntity},
		{"already settled", engine.ErrNoFundsToReclaim, http.StatusUnprocessableEntity},
		{"rate limited", app.ErrRateLimited, http.StatusTooManyRequests},
		{"stream not found", store.ErrStreamNotFound, http.StatusNotFound},
		{"account not found", store.ErrTokenAccountNotFound, http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, message := mapServiceError(tc.err)
			if status != tc.want {
				t.Fatalf("status = %d, want %d", status, tc.want)
			}
			if message == "" {
				t.Fatalf("message must not be empty")
			}
			if status == http.StatusInternalServerError && message != "Internal server error" {
				t.Fatalf("internal errors must not leak details, got %q", message)
			}
		})
	}
}

func TestInternalKeyMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("valid key passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/internal/deposits", nil)
		req.Header.Set("X-Internal-Api-Key", "secret")
		InternalKeyMiddleware("secret")(next).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/internal/deposits", nil)
		req.Header.Set("X-Internal-Api-Key", "wrong")
		InternalKeyMiddleware("secret")(next).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("unconfigured key disables endpoint", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/internal/deposits", nil)
		InternalKeyMiddleware("")(next).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})
}

func TestQueryIntFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/streams?limit=25&offset=junk", nil)
	if got := queryInt(req, "limit", 50); got != 25 {
		t.Fatalf("limit = %d, want 25", got)
	}
	if got := queryInt(req, "offset", 0); got != 0 {
		t.Fatalf("offset = %d, want 0", got)
	}
	if got := queryInt(req, "missing", 7); got != 7 {
		t.Fatalf("missing = %d, want 7", got)
	}
}
