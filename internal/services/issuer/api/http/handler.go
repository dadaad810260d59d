// Package httpapi is the thin HTTP front-end over the issuance pipeline.
// It owns query parsing and status mapping only; issuance logic stays
// behind the coordinator boundary.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/relaymesh/credserver/internal/platform/errors"
)

// Issuer is the issuance surface the front-end consumes.
type Issuer interface {
	Issue(ctx context.Context, accountName, userName string) ([]byte, error)
}

// Handler serves credential requests.
type Handler struct {
	issuer Issuer
}

// NewHandler creates the HTTP handler for the given issuer.
func NewHandler(issuer Issuer) *Handler {
	return &Handler{issuer: issuer}
}

// Register attaches the credential routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/creds", h.handleCreds)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

func (h *Handler) handleCreds(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if account == "" || user == "" {
		http.Error(w, "both 'account' and 'user' parameters are required", http.StatusBadRequest)
		return
	}

	bundle, err := h.issuer.Issue(r.Context(), account, user)
	if err != nil {
		code := apperrors.CodeOf(err)
		log.Printf("issue %s/%s: %s: %v", account, user, code, err)
		// The body carries only the code; causes stay in the logs.
		http.Error(w, string(code), code.HTTPStatus())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bundle)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
