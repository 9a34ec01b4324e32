package bitget

import (
	"net/http"
	"testing"
	"time"
)

func TestSigner_Sign(t *testing.T) {
	signer := NewSigner("key", "secret", "pass")
	signer.now = func() time.Time { return time.UnixMilli(1704067200000) }

	h := make(http.Header)
	signer.Sign(h, "POST", "/api/v2/spot/trade/place-order", `{"symbol":"BTCUSDT"}`)

	if h.Get("ACCESS-KEY") != "key" {
		t.Errorf("Expected ACCESS-KEY to be 'key', got %s", h.Get("ACCESS-KEY"))
	}
	if h.Get("ACCESS-PASSPHRASE") != "pass" {
		t.Errorf("Expected ACCESS-PASSPHRASE to be 'pass', got %s", h.Get("ACCESS-PASSPHRASE"))
	}
	if h.Get("ACCESS-TIMESTAMP") != "1704067200000" {
		t.Errorf("timestamp = %s", h.Get("ACCESS-TIMESTAMP"))
	}
	want := signer.computeHmacSha256(`1704067200000POST/api/v2/spot/trade/place-order{"symbol":"BTCUSDT"}`)
	if h.Get("ACCESS-SIGN") != want {
		t.Errorf("signature %s, want %s", h.Get("ACCESS-SIGN"), want)
	}
}

func TestComputeHmacSha256(t *testing.T) {
	// Standard HMAC-SHA256 test vector
	signer := NewSigner("dummy_access", "key", "dummy_pass")
	result := signer.computeHmacSha256("The quick brown fox jumps over the lazy dog")

	if expected := "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg="; result != expected {
		t.Errorf("HMAC Mismatch. Expected %s, got %s", expected, result)
	}
}

func TestSigner_Wipe(t *testing.T) {
	signer := NewSigner("key", "secret", "pass")
	signer.Wipe()
	for _, b := range signer.secretKey {
		if b != 0 {
			t.Fatal("secret key not wiped")
		}
	}
	var nilSigner *Signer
	nilSigner.Wipe()
}
