package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/db"
)

const issuer = "aegis-platform"

// JWTManager signs and validates access tokens and mints the opaque
// refresh tokens that back them.
type JWTManager struct {
	signingKey         []byte
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(signingKey string, accessExpiry, refreshExpiry time.Duration) *JWTManager {
	return &JWTManager{
		signingKey:         []byte(signingKey),
		accessTokenExpiry:  accessExpiry,
		refreshTokenExpiry: refreshExpiry,
	}
}

// CustomClaims are the claims carried by an access token.
type CustomClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

// GenerateTokenPair generates an access token plus an opaque refresh
// token. The refresh token is returned to the caller once; only its
// sha256 hash is handed back for storage.
func (j *JWTManager) GenerateTokenPair(user *db.User) (*TokenPair, string, error) {
	accessToken, err := j.generateAccessToken(user)
	if err != nil {
		return nil, "", fmt.Errorf("generate access token: %w", err)
	}

	refreshToken, refreshTokenHash, err := generateRefreshToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(j.accessTokenExpiry.Seconds()),
	}, refreshTokenHash, nil
}

func (j *JWTManager) generateAccessToken(user *db.User) (string, error) {
	now := time.Now()

	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessTokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Email: user.Email,
		Name:  user.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.signingKey)
}

// ValidateAccessToken validates and parses an access token.
func (j *JWTManager) ValidateAccessToken(tokenString string) (*UserContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	})
	if err != nil {
		return nil, apperr.E(apperr.AuthInvalid, "invalid token", err)
	}
	if !token.Valid {
		return nil, apperr.E(apperr.AuthInvalid, "invalid token", nil)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, apperr.E(apperr.AuthInvalid, "invalid token claims", nil)
	}
	if claims.Issuer != issuer {
		return nil, apperr.E(apperr.AuthInvalid, "invalid token issuer", nil)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, apperr.E(apperr.AuthInvalid, "invalid token subject", err)
	}

	return &UserContext{
		UserID: userID,
		Email:  claims.Email,
		Name:   claims.Name,
	}, nil
}

// RefreshTokenExpiry reports how long stored refresh tokens live.
func (j *JWTManager) RefreshTokenExpiry() time.Duration {
	return j.refreshTokenExpiry
}

// generateRefreshToken creates a secure random refresh token. The raw
// token goes to the client, the hash to the database.
func generateRefreshToken() (token string, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("read random bytes: %w", err)
	}

	token = base64.URLEncoding.EncodeToString(b)
	hash = HashToken(token)
	return token, hash, nil
}

// HashToken returns the sha256 hex digest of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// compareTokenHash performs constant-time comparison of token hashes.
func compareTokenHash(hash1, hash2 string) bool {
	return subtle.ConstantTimeCompare([]byte(hash1), []byte(hash2)) == 1
}

// GenerateAPIKey mints a project firewall key. The raw key is shown to
// the caller once; the prefix and sha256 hash are what gets stored.
func GenerateAPIKey() (key, hash, prefix string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("read random bytes: %w", err)
	}

	key = "art_" + base64.RawURLEncoding.EncodeToString(b)
	hash = HashToken(key)
	prefix = key[:8]
	return key, hash, prefix, nil
}

// ExtractBearerToken extracts the token from an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", apperr.E(apperr.AuthRequired, "invalid authorization header", nil)
	}
	return authHeader[7:], nil
}
