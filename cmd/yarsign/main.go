// Command yarsign prints an Authorization header for a request so the gateway
// can be exercised with curl.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"yar/cmd/internal/secret"
	"yar/gateway/auth"
)

func main() {
	var (
		keyID       string
		macKey      string
		algorithm   string
		apiKey      string
		method      string
		target      string
		body        string
		bodyFile    string
		contentType string
		nonce       string
		timestamp   int64
		verbose     bool
	)
	flag.StringVar(&keyID, "id", "", "MAC key identifier")
	flag.StringVar(&macKey, "secret", "", "MAC key (read from YAR_MAC_KEY or prompted when empty)")
	flag.StringVar(&algorithm, "alg", string(auth.HMACSHA1), "MAC algorithm (hmac-sha-1|hmac-sha-256)")
	flag.StringVar(&apiKey, "api-key", "", "print a BASIC header for this API key instead")
	flag.StringVar(&method, "method", http.MethodGet, "request method")
	flag.StringVar(&target, "url", "", "absolute request URL as the gateway will see it")
	flag.StringVar(&body, "body", "", "request body")
	flag.StringVar(&bodyFile, "body-file", "", "read the request body from a file")
	flag.StringVar(&contentType, "content-type", "", "request content type")
	flag.StringVar(&nonce, "nonce", "", "nonce to use (random when empty)")
	flag.Int64Var(&timestamp, "ts", 0, "unix timestamp to sign with (now when zero)")
	flag.BoolVar(&verbose, "v", false, "also print the normalized request string")
	flag.Parse()

	if apiKey != "" {
		fmt.Printf("%s: %s\n", auth.HeaderAuthorization, auth.BasicHeader(apiKey))
		return
	}
	if err := run(keyID, macKey, algorithm, method, target, body, bodyFile, contentType, nonce, timestamp, verbose); err != nil {
		fmt.Fprintln(os.Stderr, "yarsign:", err)
		os.Exit(1)
	}
}

func run(keyID, secretFlag, algorithm, method, target, body, bodyFile, contentType, nonce string, timestamp int64, verbose bool) error {
	if keyID == "" || target == "" {
		return fmt.Errorf("-id and -url are required")
	}
	key, err := secret.NewSource(secretFlag, "YAR_MAC_KEY", "MAC key: ").Get()
	if err != nil {
		return err
	}
	alg, err := auth.ParseAlgorithm(algorithm)
	if err != nil {
		return err
	}
	payload := []byte(body)
	if bodyFile != "" {
		payload, err = os.ReadFile(bodyFile)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
	}
	req, err := http.NewRequest(strings.ToUpper(method), target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	now := time.Now()
	if timestamp > 0 {
		now = time.Unix(timestamp, 0)
	}
	header, err := auth.SignRequest(req, payload, auth.ClientCredential{
		KeyIdentifier: keyID,
		Secret:        key,
		Algorithm:     alg,
	}, now, nonce)
	if err != nil {
		return err
	}
	if verbose {
		host, port := auth.RequestHostPort(req)
		fmt.Fprintf(os.Stderr, "%q\n", auth.NormalizedRequestString(header.TS, header.Nonce, req.Method, auth.RequestURI(req), host, port, header.Ext))
	}
	fmt.Printf("%s: %s\n", auth.HeaderAuthorization, header.String())
	return nil
}
