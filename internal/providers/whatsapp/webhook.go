package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks the X-Hub-Signature-256 header: "sha256=" followed
// by the hex HMAC-SHA256 of the raw body under the app secret.
func VerifySignature(appSecret string, body []byte, provided string) bool {
	provided = strings.TrimPrefix(provided, "sha256=")

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(provided))
}

// VerifyHandshake validates the subscription handshake Meta performs when a
// webhook URL is registered. The challenge is echoed back only on a match.
func VerifyHandshake(mode, token, expectedToken string) bool {
	return mode == "subscribe" && token != "" && token == expectedToken
}
