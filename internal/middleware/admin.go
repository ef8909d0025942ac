package middleware

import (
	"crypto/subtle"
	"net/http"
)

// AdminTokenHeader — заголовок с токеном администратора.
const AdminTokenHeader = "X-Admin-Token"

// AdminToken пропускает только запросы с верным токеном администратора.
// С пустым токеном административные маршруты закрыты.
func AdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(AdminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
