package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/dabubble/internal/identity"
)

// SessionAuth проверяет сессионный токен (X-Session-Token, для WebSocket —
// query ?token=) через провайдер аутентификации и кладёт uid в контекст.
func SessionAuth(provider identity.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Session-Token")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			uid, err := provider.CurrentUID(r.Context(), token)
			if err != nil {
				if errors.Is(err, identity.ErrNoSession) {
					http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
					return
				}
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
