package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer computes callback signatures: hex(HMAC-SHA256(secret, order_id ∥ amount ∥ tx_hash)).
// amount is the literal the caller sent, so "10.042" and "10.0420" sign differently.
type Signer struct{ secret []byte }

func NewSigner(secret string) *Signer { return &Signer{secret: []byte(secret)} }

func (s *Signer) Sign(orderID, amount, txHash string) string {
	return hex.EncodeToString(s.mac(orderID, amount, txHash))
}

// Verify compares in constant time. Upper and lower case hex are accepted.
func (s *Signer) Verify(orderID, amount, txHash, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.mac(orderID, amount, txHash))
}

func (s *Signer) mac(orderID, amount, txHash string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(orderID))
	m.Write([]byte(amount))
	m.Write([]byte(txHash))
	return m.Sum(nil)
}
