package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const wsPath = "/trade-api/ws/v2"

// Signer produces the venue's RSA-PSS request signatures. The signed
// message is timestamp + method + path; the venue rejects signatures
// older than its clock-skew window, so timestamps come from the wall
// clock at signing time.
type Signer struct {
	apiKey string
	key    *rsa.PrivateKey
	now    func() time.Time
}

func NewSigner(apiKey string, key *rsa.PrivateKey) *Signer {
	return &Signer{apiKey: apiKey, key: key, now: time.Now}
}

// NewSignerFromPEM parses a PKCS#8 PEM private key.
func NewSignerFromPEM(apiKey string, privateKeyPEM []byte) (*Signer, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("kalshi: no PEM block in private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi: private key is not RSA")
	}
	return NewSigner(apiKey, key), nil
}

// Headers returns the three auth headers for one request.
func (s *Signer) Headers(method, path string) (http.Header, error) {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)

	digest := sha256.Sum256([]byte(ts + method + path))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: sign %s %s: %w", method, path, err)
	}

	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", s.apiKey)
	h.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	h.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	return h, nil
}

// WSHeaders returns the auth headers for the WebSocket upgrade request.
func (s *Signer) WSHeaders() (http.Header, error) {
	return s.Headers(http.MethodGet, wsPath)
}
