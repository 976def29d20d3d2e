// Package signature содержит проверку HMAC-подписей уведомлений об оплате.
//
// Это единственная граница доверия: все компоненты ниже по потоку считают,
// что вызывающий уже прошёл проверку подписи.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verifier проверяет подлинность клиентских подтверждений и вебхуков провайдера.
type Verifier struct {
	clientSecret  []byte
	webhookSecret []byte
}

// NewVerifier создаёт Verifier с секретами для клиентского и вебхук-каналов.
func NewVerifier(clientSecret, webhookSecret string) *Verifier {
	return &Verifier{
		clientSecret:  []byte(clientSecret),
		webhookSecret: []byte(webhookSecret),
	}
}

// VerifyPayment проверяет подпись клиентского подтверждения оплаты.
// Каноническое сообщение — "externalOrderID|externalPaymentID".
func (v *Verifier) VerifyPayment(externalOrderID, externalPaymentID, signature string) bool {
	msg := externalOrderID + "|" + externalPaymentID
	return verify(v.clientSecret, []byte(msg), signature)
}

// VerifyWebhook проверяет подпись вебхука по сырому телу запроса.
func (v *Verifier) VerifyWebhook(body []byte, signature string) bool {
	return verify(v.webhookSecret, body, signature)
}

func verify(secret, message []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Сравнение за постоянное время, чтобы не раскрывать длину совпавшего префикса.
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign вычисляет hex-подпись HMAC-SHA256 сообщения указанным секретом.
// Используется в тестах и утилитах; сервер сам подписи не выдаёт.
func Sign(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
