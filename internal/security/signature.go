package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// SignatureHeader carries the HMAC of an outbound effect delivery.
const SignatureHeader = "X-Subsync-Signature"

// Signer produces "t=<unix>,v1=<hmac>[,v1_old=<hmac>]" headers over
// "<unix>.<payload>" with HMAC-SHA256. While a rotation is in progress the
// previous secret also signs, so receivers holding either secret verify.
type Signer struct {
	Secret         string
	PreviousSecret string
}

// Sign returns the header value for payload at now.
func (s Signer) Sign(payload []byte, now time.Time) (string, error) {
	if s.Secret == "" {
		return "", fmt.Errorf("signature: empty signing secret")
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	header := "t=" + ts + ",v1=" + computeHMAC(ts, payload, s.Secret)
	if s.PreviousSecret != "" {
		header += ",v1_old=" + computeHMAC(ts, payload, s.PreviousSecret)
	}
	return header, nil
}

func computeHMAC(timestamp string, payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
