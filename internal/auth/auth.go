package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Permission string

const (
	// PermissionObserve lets a peer receive state but not publish it.
	PermissionObserve Permission = "observe"
	PermissionPublish Permission = "publish"
	PermissionAdmin   Permission = "admin"
)

var (
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrNetworkMismatch = errors.New("auth: token issued for another network")
	ErrPeerMismatch    = errors.New("auth: token issued for another peer")
)

// Claims admit one peer into one mesh network.
type Claims struct {
	PeerID      string       `json:"peer_id"`
	NetworkID   string       `json:"network_id"`
	Permissions []Permission `json:"permissions"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewTokenManager(secretKey string) *TokenManager {
	return &TokenManager{
		secretKey:     []byte(secretKey),
		tokenDuration: 1 * time.Hour,
	}
}

// WithDuration overrides the token lifetime.
func (tm *TokenManager) WithDuration(d time.Duration) *TokenManager {
	tm.tokenDuration = d
	return tm
}

// GenerateToken creates a new admission token
func (tm *TokenManager) GenerateToken(
	peerID, networkID string,
	permissions []Permission,
) (string, error) {
	now := time.Now()
	claims := Claims{
		PeerID:      peerID,
		NetworkID:   networkID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   peerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secretKey)
}

// ValidateToken verifies and parses an admission token
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return tm.secretKey, nil
		},
	)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// Admit validates a token presented in a mesh handshake and checks it was
// issued to peerID for networkID.
func (tm *TokenManager) Admit(tokenString, peerID, networkID string) (*Claims, error) {
	claims, err := tm.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.NetworkID != networkID {
		return nil, fmt.Errorf("%w: %s", ErrNetworkMismatch, claims.NetworkID)
	}
	if claims.PeerID != peerID {
		return nil, fmt.Errorf("%w: %s", ErrPeerMismatch, claims.PeerID)
	}
	return claims, nil
}

// RefreshToken generates a new token with extended expiration
func (tm *TokenManager) RefreshToken(oldToken string) (string, error) {
	claims, err := tm.ValidateToken(oldToken)
	if err != nil {
		return "", err
	}

	return tm.GenerateToken(claims.PeerID, claims.NetworkID, claims.Permissions)
}

// HasPermission checks if claims contain required permission
func (c *Claims) HasPermission(required Permission) bool {
	for _, p := range c.Permissions {
		if p == required || p == PermissionAdmin {
			return true
		}
	}
	return false
}

// CanPublish reports whether the peer may send state-bearing messages.
// Tokens without explicit permissions publish.
func (c *Claims) CanPublish() bool {
	return len(c.Permissions) == 0 || c.HasPermission(PermissionPublish)
}

// Middleware for HTTP authentication
type AuthMiddleware struct {
	tokenManager *TokenManager
}

func NewAuthMiddleware(tokenManager *TokenManager) *AuthMiddleware {
	return &AuthMiddleware{tokenManager: tokenManager}
}

type contextKey string

const claimsKey contextKey = "claims"

func (am *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)
			return
		}

		tokenString := authHeader[7:]
		claims, err := am.tokenManager.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}
