package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taskmesh/backend/internal/models"
	"github.com/taskmesh/backend/internal/protocol"
)

// ---------------------------------------------------------------------------
// In-memory store mock
// ---------------------------------------------------------------------------

type storedAccount struct {
	account models.Account
	hash    string
}

type mockStore struct {
	mu      sync.Mutex
	byEmail map[string]storedAccount
	keys    map[string]models.APIKey
	creates int
}

func newMockStore() *mockStore {
	return &mockStore{
		byEmail: make(map[string]storedAccount),
		keys:    make(map[string]models.APIKey),
	}
}

func (m *mockStore) Create(_ context.Context, email, passwordHash, displayName, role string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return models.Account{}, &pgconn.PgError{Code: "23505"}
	}
	acc := models.Account{
		ID:          uuid.New(),
		Email:       email,
		DisplayName: displayName,
		Role:        role,
		CreatedAt:   time.Now(),
	}
	m.byEmail[email] = storedAccount{account: acc, hash: passwordHash}
	m.creates++
	return acc, nil
}

func (m *mockStore) GetByEmail(_ context.Context, email string) (models.Account, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byEmail[email]
	return s.account, s.hash, nil
}

func (m *mockStore) Get(_ context.Context, id uuid.UUID) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byEmail {
		if s.account.ID == id {
			return s.account, nil
		}
	}
	return models.Account{}, nil
}

func (m *mockStore) CreateAPIKey(_ context.Context, accountID uuid.UUID, keyHash, label string) (models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := models.APIKey{ID: uuid.New(), AccountID: accountID, KeyHash: keyHash, Label: label, CreatedAt: time.Now()}
	m.keys[keyHash] = key
	return key, nil
}

func (m *mockStore) FindByKeyHash(_ context.Context, keyHash string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyHash]
	if !ok || key.RevokedAt != nil {
		return models.Account{}, nil
	}
	for _, s := range m.byEmail {
		if s.account.ID == key.AccountID {
			return s.account, nil
		}
	}
	return models.Account{}, nil
}

func (m *mockStore) RevokeAPIKey(_ context.Context, accountID, keyID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, key := range m.keys {
		if key.ID == keyID && key.AccountID == accountID && key.RevokedAt == nil {
			now := time.Now()
			key.RevokedAt = &now
			m.keys[hash] = key
			return true, nil
		}
	}
	return false, nil
}

func newTestService() (*service, *mockStore) {
	store := newMockStore()
	return NewService(store, "test-secret"), store
}

// ---------------------------------------------------------------------------
// 1. TestRegister: self-registration never grants admin.
// ---------------------------------------------------------------------------

func TestRegisterAlwaysOwner(t *testing.T) {
	svc, _ := newTestService()
	acc, err := svc.Register(context.Background(), "ada@example.com", "correct horse", "Ada")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if acc.Role != models.RoleOwner {
		t.Errorf("role: got %q, want %q", acc.Role, models.RoleOwner)
	}
}

// The public register endpoint must ignore a role supplied in the body.
func TestRegisterHandlerIgnoresRequestedRole(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc, nil)

	body := `{"email":"eve@example.com","password":"longenough","role":"admin"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Register(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"role":"admin"`) {
		t.Errorf("self-registration produced an admin account: %s", rec.Body.String())
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, "", "longenough", ""); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("empty email: got %v", err)
	}
	if _, err := svc.Register(ctx, "a@b.c", "short", ""); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("short password: got %v", err)
	}
	if _, err := svc.Register(ctx, "ada@example.com", "correct horse", "Ada"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "ada@example.com", "correct horse", "Ada"); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("duplicate email: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 2. TestEnsureAdmin: the only path that mints the admin role.
// ---------------------------------------------------------------------------

func TestEnsureAdmin(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	if err := svc.EnsureAdmin(ctx, "root@example.com", "adminsecret"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	acc, _, err := store.GetByEmail(ctx, "root@example.com")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if acc.Role != models.RoleAdmin {
		t.Errorf("role: got %q, want %q", acc.Role, models.RoleAdmin)
	}

	// Idempotent across restarts.
	if err := svc.EnsureAdmin(ctx, "root@example.com", "adminsecret"); err != nil {
		t.Fatalf("second EnsureAdmin: %v", err)
	}
	if store.creates != 1 {
		t.Errorf("account creations: got %d, want 1", store.creates)
	}

	// The seeded admin logs in and carries the role claim.
	token, err := svc.Login(ctx, "root@example.com", "adminsecret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id, role, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id != acc.ID || role != models.RoleAdmin {
		t.Errorf("claims: got %s/%s, want %s/%s", id, role, acc.ID, models.RoleAdmin)
	}
}

// ---------------------------------------------------------------------------
// 3. TestLogin
// ---------------------------------------------------------------------------

func TestLogin(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	acc, err := svc.Register(ctx, "ada@example.com", "correct horse", "Ada")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.Login(ctx, "ada@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id, role, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id != acc.ID || role != models.RoleOwner {
		t.Errorf("claims: got %s/%s, want %s/%s", id, role, acc.ID, models.RoleOwner)
	}

	if _, err := svc.Login(ctx, "ada@example.com", "wrong password"); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "correct horse"); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("unknown email: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 4. TestAPIKeys
// ---------------------------------------------------------------------------

func TestAPIKeyLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	acc, err := svc.Register(ctx, "ada@example.com", "correct horse", "Ada")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	key, raw, err := svc.IssueAPIKey(ctx, acc.ID, "ci")
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	if !strings.HasPrefix(raw, "tmk_") {
		t.Errorf("raw key prefix: got %q", raw)
	}

	resolved, err := svc.ResolveAPIKey(ctx, raw)
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if resolved.ID != acc.ID {
		t.Errorf("resolved account: got %s, want %s", resolved.ID, acc.ID)
	}

	if err := svc.RevokeAPIKey(ctx, acc.ID, key.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	resolved, err = svc.ResolveAPIKey(ctx, raw)
	if err != nil {
		t.Fatalf("ResolveAPIKey after revoke: %v", err)
	}
	if resolved.ID != uuid.Nil {
		t.Error("revoked key still resolves")
	}
	if err := svc.RevokeAPIKey(ctx, acc.ID, key.ID); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("second revoke: got %v", err)
	}
}
