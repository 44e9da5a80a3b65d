package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskmesh/backend/internal/models"
	"github.com/taskmesh/backend/internal/protocol"
)

type Service interface {
	Register(ctx context.Context, email, password, displayName string) (models.Account, error)
	EnsureAdmin(ctx context.Context, email, password string) error
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
	IssueAPIKey(ctx context.Context, accountID uuid.UUID, label string) (models.APIKey, string, error)
	RevokeAPIKey(ctx context.Context, accountID, keyID uuid.UUID) error
	ResolveAPIKey(ctx context.Context, rawKey string) (models.Account, error)
}

// Store is the slice of Repository the service needs.
type Store interface {
	Create(ctx context.Context, email, passwordHash, displayName, role string) (models.Account, error)
	GetByEmail(ctx context.Context, email string) (models.Account, string, error)
	Get(ctx context.Context, id uuid.UUID) (models.Account, error)
	CreateAPIKey(ctx context.Context, accountID uuid.UUID, keyHash, label string) (models.APIKey, error)
	FindByKeyHash(ctx context.Context, keyHash string) (models.Account, error)
	RevokeAPIKey(ctx context.Context, accountID, keyID uuid.UUID) (bool, error)
}

type service struct {
	repo   Store
	secret []byte
}

func NewService(repo Store, secret string) *service {
	return &service{repo: repo, secret: []byte(secret)}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Register opens a self-service account. Self-registration always yields the
// owner role; admin accounts exist only through EnsureAdmin at startup.
func (s *service) Register(ctx context.Context, email, password, displayName string) (models.Account, error) {
	if email == "" || len(password) < 8 {
		return models.Account{}, protocol.E(protocol.KindInvalidInput, "email and a password of at least 8 characters are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Account{}, protocol.Wrap(protocol.KindInternal, err, "hash password")
	}
	acc, err := s.repo.Create(ctx, email, string(hash), displayName, models.RoleOwner)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.Account{}, protocol.E(protocol.KindInvalidInput, "email already registered")
		}
		return models.Account{}, protocol.Wrap(protocol.KindInternal, err, "create account")
	}
	return acc, nil
}

// EnsureAdmin seeds the administrative account from process configuration.
// It is a no-op when the email is already registered.
func (s *service) EnsureAdmin(ctx context.Context, email, password string) error {
	if email == "" || len(password) < 8 {
		return protocol.E(protocol.KindInvalidInput, "admin email and a password of at least 8 characters are required")
	}
	existing, _, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "load admin account")
	}
	if existing.ID != uuid.Nil {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "hash password")
	}
	if _, err := s.repo.Create(ctx, email, string(hash), "admin", models.RoleAdmin); err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "create admin account")
	}
	return nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	acc, hash, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return "", protocol.Wrap(protocol.KindInternal, err, "load account")
	}
	if acc.ID == uuid.Nil {
		return "", protocol.E(protocol.KindUnauthorized, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", protocol.E(protocol.KindUnauthorized, "invalid credentials")
	}
	return s.issueToken(acc.ID, acc.Role)
}

func (s *service) issueToken(accountID uuid.UUID, role string) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, "", protocol.Wrap(protocol.KindUnauthorized, err, "invalid token")
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", protocol.E(protocol.KindUnauthorized, "invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", protocol.Wrap(protocol.KindUnauthorized, err, "invalid token subject")
	}
	return id, c.Role, nil
}

// IssueAPIKey mints new key material and returns it once, alongside the
// stored record. Only the hash is persisted.
func (s *service) IssueAPIKey(ctx context.Context, accountID uuid.UUID, label string) (models.APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return models.APIKey{}, "", protocol.Wrap(protocol.KindInternal, err, "generate key")
	}
	rawKey := "tmk_" + hex.EncodeToString(raw)
	key, err := s.repo.CreateAPIKey(ctx, accountID, HashKey(rawKey), label)
	if err != nil {
		return models.APIKey{}, "", protocol.Wrap(protocol.KindInternal, err, "store key")
	}
	return key, rawKey, nil
}

func (s *service) RevokeAPIKey(ctx context.Context, accountID, keyID uuid.UUID) error {
	ok, err := s.repo.RevokeAPIKey(ctx, accountID, keyID)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "revoke key")
	}
	if !ok {
		return protocol.E(protocol.KindNotFound, "api key not found")
	}
	return nil
}

// ResolveAPIKey maps raw key material to its account. The zero Account means
// the key is unknown or revoked.
func (s *service) ResolveAPIKey(ctx context.Context, rawKey string) (models.Account, error) {
	return s.repo.FindByKeyHash(ctx, HashKey(rawKey))
}

// HashKey derives the stored form of API key material.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
