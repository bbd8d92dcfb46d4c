// Package middleware содержит HTTP middleware сервиса выдачи карт.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/cardservice/internal/model"
)

type contextKey string

const claimsKey contextKey = "claims"

const bearerPrefix = "Bearer "

// Claims содержит подтверждённые данные внешней системы аутентификации.
type Claims struct {
	Subject   string     `json:"sub"`
	Email     string     `json:"email,omitempty"`
	Role      model.Role `json:"role,omitempty"`
	ExpiresAt int64      `json:"exp,omitempty"`
}

// IsAdmin сообщает, выдан ли токен администратору.
func (c Claims) IsAdmin() bool {
	return c.Role == model.RoleAdmin
}

// AuthMiddleware проверяет подписанный bearer-токен.
type AuthMiddleware struct {
	secretKey []byte
	now       func() time.Time
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Пустой секрет заменяется случайным ключом, и ранее выданные токены перестают проходить проверку.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		now:       time.Now,
	}
}

// Middleware проверяет заголовок Authorization и добавляет утверждения токена в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		claims, ok := a.Verify(strings.TrimSpace(header[len(bearerPrefix):]))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin пропускает только запросы с ролью администратора.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if !claims.IsAdmin() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken подписывает утверждения. Используется в тестах и локальной разработке.
func (a *AuthMiddleware) IssueToken(c Claims) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + a.sign(payload), nil
}

// Verify проверяет подпись и срок действия токена.
func (a *AuthMiddleware) Verify(token string) (Claims, bool) {
	payload, signature, found := strings.Cut(token, ".")
	if !found || payload == "" {
		return Claims{}, false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(payload))) {
		return Claims{}, false
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, false
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, false
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Claims{}, false
	}
	if c.ExpiresAt != 0 && !a.now().Before(time.Unix(c.ExpiresAt, 0)) {
		return Claims{}, false
	}
	return c, true
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetClaimsFromContext извлекает утверждения токена из контекста запроса.
func GetClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey).(Claims)
	return c, ok
}

// WithClaims кладёт утверждения в контекст.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}
