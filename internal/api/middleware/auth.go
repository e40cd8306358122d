package middleware

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"crossarb/pkg/crypto"
	"crossarb/pkg/utils"
)

// OperatorAuth - middleware для операторских команд (halt, clear-halt, reconcile)
//
// Назначение:
// Пропускает запрос только с заголовком Authorization: Bearer <token>,
// где токен совпадает с bcrypt хешем OPERATOR_TOKEN_HASH.
//
// Конфигурация:
// - OPERATOR_TOKEN_HASH: bcrypt хеш (см. cmd/tokenhash)
// - Если хеш не задан, команды недоступны (403)
//
// Безопасность:
// - Хранится только хеш, сам токен в конфиг не попадает
// - bcrypt сравнивает за постоянное время
//
// Использование:
//
//	ops := api.PathPrefix("/").Subrouter()
//	ops.Use(middleware.OperatorAuth(cfg.Security.OperatorTokenHash))
func OperatorAuth(tokenHash string) func(http.Handler) http.Handler {
	log := utils.L().WithComponent("api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				writeError(w, http.StatusForbidden, "operator commands disabled: OPERATOR_TOKEN_HASH not set")
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="operator"`)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			if err := crypto.VerifyToken(token, tokenHash); err != nil {
				if !errors.Is(err, crypto.ErrTokenMismatch) {
					log.Error("operator token check failed", zap.Error(err))
				}
				log.Warn("rejected operator command",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr))
				w.Header().Set("WWW-Authenticate", `Bearer realm="operator"`)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken извлекает токен из Authorization: Bearer <token>
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// writeError - JSON ошибка в формате handlers.ErrorResponse
func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
