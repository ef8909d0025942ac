// Package webhook проверяет подлинность вызовов платёжного шлюза и разбирает
// их тела в закрытый набор событий.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const (
	// SignatureHeader содержит HMAC-SHA256 от сырого тела запроса.
	SignatureHeader = "flutterwave-signature"
	// HashHeader — устаревший заголовок с секретным хэшем.
	HashHeader = "verif-hash"
)

// Verify проверяет подпись тела запроса общим секретом. Подпись принимается
// в base64 или hex. Сравнение выполняется за постоянное время.
func Verify(payload []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if provided, err := base64.StdEncoding.DecodeString(signature); err == nil && hmac.Equal(provided, expected) {
		return true
	}
	if provided, err := hex.DecodeString(signature); err == nil && hmac.Equal(provided, expected) {
		return true
	}

	return false
}

// VerifyHash сравнивает устаревший заголовок с секретным хэшем.
func VerifyHash(provided, secret string) bool {
	if secret == "" || provided == "" {
		return false
	}
	return hmac.Equal([]byte(provided), []byte(secret))
}

// Sign возвращает base64-подпись тела. Используется в тестах и утилитах.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
