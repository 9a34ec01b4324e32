package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"
)

// Signer handles Bitget V2 API authentication.
// Keys are kept as []byte so Wipe can clear them.
type Signer struct {
	accessKey  []byte
	secretKey  []byte
	passphrase []byte
	now        func() time.Time
}

// NewSigner creates a new signer.
func NewSigner(accessKey, secretKey, passphrase string) *Signer {
	return &Signer{
		accessKey:  []byte(accessKey),
		secretKey:  []byte(secretKey),
		passphrase: []byte(passphrase),
		now:        time.Now,
	}
}

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for _, b := range [][]byte{s.accessKey, s.secretKey, s.passphrase} {
		for i := range b {
			b[i] = 0
		}
	}
}

// Sign adds the ACCESS-* headers to req. requestPath must carry the query
// string ("?a=b") when there is one; body is the exact JSON sent.
//
// Pre-sign string: timestamp + METHOD + requestPath + body
func (s *Signer) Sign(h http.Header, method, requestPath, body string) {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	h.Set("ACCESS-KEY", string(s.accessKey))
	h.Set("ACCESS-SIGN", s.computeHmacSha256(ts+method+requestPath+body))
	h.Set("ACCESS-TIMESTAMP", ts)
	h.Set("ACCESS-PASSPHRASE", string(s.passphrase))
}

func (s *Signer) computeHmacSha256(payload string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
