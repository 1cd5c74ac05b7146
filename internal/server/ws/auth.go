package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/avolkov/coedit/internal/validation"
)

// Identity — установленная личность соединения. Аутентификация как таковая
// (выдача токенов) живёт вне ядра; здесь токен только проверяется.
type Identity struct {
	UserID string
	Name   string
}

// Claims are the JWT claims the external auth service issues.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator validates connection tokens. A missing or invalid token is
// not an error: the connection gets a stable anonymous identity instead.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator with the shared HMAC secret.
func NewAuthenticator(secret string, logger *slog.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// Authenticate resolves the connection identity from the request.
func (a *Authenticator) Authenticate(r *http.Request) Identity {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	if token != "" && len(a.secret) > 0 {
		claims, err := a.validate(token)
		if err == nil && claims.UserID != "" {
			name := claims.Username
			if name == "" || validation.ValidateDisplayName(name) != nil {
				name = "Anonymous"
			}
			return Identity{UserID: claims.UserID, Name: name}
		}
		a.logger.Warn("token rejected, falling back to anonymous", "error", err)
	}

	// Анонимная личность стабильна в рамках соединения.
	id := uuid.NewString()
	return Identity{
		UserID: id,
		Name:   "Anonymous-" + id[:6],
	}
}

func (a *Authenticator) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
