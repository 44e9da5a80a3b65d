package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/taskmesh/backend/internal/middleware"
	"github.com/taskmesh/backend/internal/models"
)

func processMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/messages/{id}/process", h.Process)
	return mux
}

func postProcess(mux *http.ServeMux, messageID int64, caller uuid.UUID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/messages/%d/process", messageID), strings.NewReader(body))
	acc := &models.Account{ID: caller, Role: models.RoleOwner}
	req = req.WithContext(middleware.WithAccount(req.Context(), acc))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// The attesting identity is the authenticated account. A caller naming an
// allow-listed validator in the request body must not settle on its behalf.
func TestProcessHandlerUsesAuthenticatedAccount(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, []byte("ping"))
	mux := processMux(NewHandler(f.svc, nil))

	outsider := uuid.New()
	body := fmt.Sprintf(`{"validator_account":%q}`, f.validator)
	rec := postProcess(mux, msg.ID, outsider, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider naming a validator: got %d, want 403", rec.Code)
	}

	stored, err := f.svc.Get(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Processed {
		t.Error("message settled by a non-validator caller")
	}
	if bal := f.ledger.balances[f.validator]; bal != 0 {
		t.Errorf("validator balance: got %d, want 0", bal)
	}

	// The allow-listed validator itself settles fine.
	rec = postProcess(mux, msg.ID, f.validator, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("validator process: got %d, want 200", rec.Code)
	}
}
