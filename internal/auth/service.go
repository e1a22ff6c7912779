package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/db"
)

// Store is the user and refresh token persistence the service needs.
// *db.Client satisfies it.
type Store interface {
	CreateUser(ctx context.Context, u *db.User) error
	UserByEmail(ctx context.Context, email string) (*db.User, error)
	UserByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	LinkGoogleSub(ctx context.Context, userID uuid.UUID, sub string) error
	SaveRefreshToken(ctx context.Context, t *db.RefreshToken) error
	RefreshTokenByHash(ctx context.Context, tokenHash string) (*db.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
}

// Config carries the knobs the service reads from settings.
type Config struct {
	SecretKey          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	GoogleClientID     string
}

// Service handles registration, login and token lifecycle.
type Service struct {
	store      Store
	logger     *zap.Logger
	jwtManager *JWTManager
	google     GoogleVerifier
}

// NewService creates a new authentication service.
func NewService(store Store, logger *zap.Logger, cfg Config) *Service {
	return &Service{
		store:      store,
		logger:     logger,
		jwtManager: NewJWTManager(cfg.SecretKey, cfg.AccessTokenExpiry, cfg.RefreshTokenExpiry),
		google:     newGoogleVerifier(cfg.GoogleClientID),
	}
}

// JWTManager exposes the token manager for middleware wiring.
func (s *Service) JWTManager() *JWTManager { return s.jwtManager }

// Register creates a local account and returns its first token pair.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*TokenPair, error) {
	email := normalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.E(apperr.InvalidInput, "a valid email is required", nil)
	}
	if len(req.Password) < 8 {
		return nil, apperr.E(apperr.InvalidInput, "password must be at least 8 characters", nil)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &db.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: stringPtr(string(hashed)),
		Name:         strings.TrimSpace(req.Name),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user registered",
		zap.String("user_id", user.ID.String()),
		zap.String("email", user.Email))

	return s.issueTokens(ctx, user)
}

// Login authenticates a local account and returns a token pair.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*TokenPair, error) {
	user, err := s.store.UserByEmail(ctx, req.Email)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, apperr.E(apperr.AuthInvalid, "Invalid email or password", nil)
		}
		return nil, err
	}
	if user.PasswordHash == nil {
		return nil, apperr.E(apperr.AuthInvalid, "Invalid email or password", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Info("login failed", zap.String("email", user.Email))
		return nil, apperr.E(apperr.AuthInvalid, "Invalid email or password", nil)
	}

	return s.issueTokens(ctx, user)
}

// GoogleLogin verifies a Google ID token and signs the account in,
// creating it on first sight.
func (s *Service) GoogleLogin(ctx context.Context, req *GoogleLoginRequest) (*TokenPair, error) {
	claims, err := s.google.Verify(ctx, req.IDToken)
	if err != nil {
		return nil, err
	}
	if claims.Email == "" || !claims.EmailVerified {
		return nil, apperr.E(apperr.Forbidden, "Google account email is not verified", nil)
	}

	user, err := s.store.UserByEmail(ctx, claims.Email)
	switch {
	case err == nil:
		if user.GoogleSub == nil && claims.Subject != "" {
			if err := s.store.LinkGoogleSub(ctx, user.ID, claims.Subject); err != nil {
				return nil, err
			}
		}
	case apperr.Is(err, apperr.NotFound):
		// Local-password login stays disabled for Google-only accounts:
		// the stored hash is of a random secret nobody knows.
		throwaway, err := randomSecret()
		if err != nil {
			return nil, err
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(throwaway), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		user = &db.User{
			ID:           uuid.New(),
			Email:        claims.Email,
			PasswordHash: stringPtr(string(hashed)),
			Name:         claims.Name,
			GoogleSub:    stringPtr(claims.Subject),
		}
		if err := s.store.CreateUser(ctx, user); err != nil {
			return nil, err
		}
		s.logger.Info("user registered via google",
			zap.String("user_id", user.ID.String()),
			zap.String("email", user.Email))
	default:
		return nil, err
	}

	return s.issueTokens(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a
// fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, req *RefreshRequest) (*TokenPair, error) {
	tokenHash := HashToken(req.RefreshToken)
	stored, err := s.store.RefreshTokenByHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if !compareTokenHash(stored.TokenHash, tokenHash) {
		return nil, apperr.E(apperr.AuthInvalid, "invalid refresh token", nil)
	}

	user, err := s.store.UserByID(ctx, stored.UserID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, apperr.E(apperr.AuthInvalid, "invalid refresh token", nil)
		}
		return nil, err
	}

	if err := s.store.RevokeRefreshToken(ctx, tokenHash); err != nil {
		return nil, err
	}

	return s.issueTokens(ctx, user)
}

// CurrentUser loads the profile behind a user context.
func (s *Service) CurrentUser(ctx context.Context, userID uuid.UUID) (*db.User, error) {
	return s.store.UserByID(ctx, userID)
}

func (s *Service) issueTokens(ctx context.Context, user *db.User) (*TokenPair, error) {
	tokens, refreshTokenHash, err := s.jwtManager.GenerateTokenPair(user)
	if err != nil {
		return nil, err
	}

	err = s.store.SaveRefreshToken(ctx, &db.RefreshToken{
		UserID:    user.ID,
		TokenHash: refreshTokenHash,
		ExpiresAt: time.Now().Add(s.jwtManager.RefreshTokenExpiry()),
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func stringPtr(s string) *string { return &s }
