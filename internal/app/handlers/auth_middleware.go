package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/lojix/wallet/internal/app/logger"
)

type key string

const (
	cookieName          = "store_session"
	storeIDKey      key = "storeID"
	signatureLength     = 32
	invalidCookie       = "Invalid cookie"
	invalidToken        = "Invalid token"
)

// SessionFor builds the signed session cookie value for a store. The platform
// auth service issues these; the wallet core only verifies them.
func SessionFor(storeID string, secretKey string) string {
	storeIDBytes := []byte(storeID)

	k := sha256.Sum256([]byte(secretKey))
	h := hmac.New(sha256.New, k[:])
	h.Write(storeIDBytes)
	dst := h.Sum(nil)

	sessionBytes := append(storeIDBytes[:], dst[:]...)
	return hex.EncodeToString(sessionBytes)
}

func checkSignature(cookieValue string, secretKey []byte) (string, error) {
	session, err := hex.DecodeString(cookieValue)
	if err != nil {
		return "", err
	}

	if len(session) <= signatureLength {
		return "", fmt.Errorf("invalid cookie length")
	}

	storeIDLength := len(session) - signatureLength
	storeID := session[:storeIDLength]

	k := sha256.Sum256(secretKey)
	h := hmac.New(sha256.New, k[:])
	h.Write(storeID)
	sign := h.Sum(nil)

	if hmac.Equal(sign, session[storeIDLength:]) {
		return string(storeID), nil
	}
	return "", fmt.Errorf("invalid signature")
}

func authHandle(secretKey string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionCookie, err := r.Cookie(cookieName)
			if err != nil {
				http.Error(w, invalidCookie, http.StatusUnauthorized)
				logger.Logger.Err(err).Msg("missing session cookie")
				return
			}
			storeID, err := checkSignature(sessionCookie.Value, []byte(secretKey))
			if err != nil {
				http.Error(w, invalidCookie, http.StatusUnauthorized)
				logger.Logger.Err(err).Msg("bad session cookie")
				return
			}
			ctx := context.WithValue(r.Context(), storeIDKey, storeID)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tokenHandle guards admin and webhook routes with a static bearer token.
func tokenHandle(token string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := extractBearerToken(r.Header.Get("Authorization"))
			if !secureCompare(got, token) {
				http.Error(w, invalidToken, http.StatusUnauthorized)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) || len(b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
