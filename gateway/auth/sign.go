package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"
)

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ClientCredential is what a caller needs to sign MAC requests.
type ClientCredential struct {
	KeyIdentifier string
	Secret        string
	Algorithm     Algorithm
}

// NewNonce returns a random 16 character nonce.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	limit := big.NewInt(int64(len(nonceAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate nonce: %w", err)
		}
		buf[i] = nonceAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// SignRequest computes the MAC Authorization header for r and sets it. An
// empty nonce is replaced by a freshly generated one.
func SignRequest(r *http.Request, body []byte, cred ClientCredential, now time.Time, nonce string) (MACHeader, error) {
	if nonce == "" {
		generated, err := NewNonce()
		if err != nil {
			return MACHeader{}, err
		}
		nonce = generated
	}
	alg := cred.Algorithm
	if alg == "" {
		alg = HMACSHA1
	}
	host, port := RequestHostPort(r)
	ts := strconv.FormatInt(now.Unix(), 10)
	ext := Ext(r.Header.Get("Content-Type"), body)
	normalized := NormalizedRequestString(ts, nonce, r.Method, RequestURI(r), host, port, ext)
	mac, err := Sign(cred.Secret, alg, normalized)
	if err != nil {
		return MACHeader{}, err
	}
	header := MACHeader{ID: cred.KeyIdentifier, TS: ts, Nonce: nonce, Ext: ext, MAC: mac}
	r.Header.Set(HeaderAuthorization, header.String())
	return header, nil
}
