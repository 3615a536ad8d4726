package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Algorithm identifies the HMAC construction used to sign requests.
type Algorithm string

const (
	// HMACSHA1 is the protocol's original algorithm.
	HMACSHA1 Algorithm = "hmac-sha-1"
	// HMACSHA256 is the preferred algorithm for new credentials.
	HMACSHA256 Algorithm = "hmac-sha-256"
)

// ParseAlgorithm maps a credential store algorithm name onto an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case HMACSHA1:
		return HMACSHA1, nil
	case HMACSHA256:
		return HMACSHA256, nil
	default:
		return "", fmt.Errorf("unsupported mac algorithm %q", name)
	}
}

func (a Algorithm) hashFunc() (func() hash.Hash, error) {
	switch a {
	case HMACSHA1:
		return sha1.New, nil
	case HMACSHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("unsupported mac algorithm %q", string(a))
	}
}

// Sign computes the hex encoded HMAC of the normalized request string.
func Sign(secret string, alg Algorithm, normalized string) (string, error) {
	sum, err := digest(secret, alg, normalized)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// Verify recomputes the MAC and compares it with the hex candidate in
// constant time. Hex digits are accepted in either case.
func Verify(secret string, alg Algorithm, normalized, candidate string) bool {
	expected, err := digest(secret, alg, normalized)
	if err != nil {
		return false
	}
	given, err := hex.DecodeString(candidate)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, given)
}

func digest(secret string, alg Algorithm, normalized string) ([]byte, error) {
	hashFunc, err := alg.hashFunc()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(hashFunc, []byte(secret))
	mac.Write([]byte(normalized))
	return mac.Sum(nil), nil
}
