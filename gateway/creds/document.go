package creds

import (
	"errors"
	"fmt"
	"strings"

	"yar/gateway/auth"
)

// Document is the JSON body served by the credential store for
// GET /v1/creds/{id}. MAC credentials carry the mac_* fields, API keys carry
// api_key.
type Document struct {
	Principal        *string `json:"principal"`
	MACKey           *string `json:"mac_key,omitempty"`
	MACAlgorithm     *string `json:"mac_algorithm,omitempty"`
	MACKeyIdentifier *string `json:"mac_key_identifier,omitempty"`
	APIKey           *string `json:"api_key,omitempty"`
	IsDeleted        *bool   `json:"is_deleted"`
}

// ErrSchema is wrapped by every validation failure of a Document.
var ErrSchema = errors.New("credential document does not match schema")

// Credential validates the document for the identifier it was fetched by and
// converts it.
func (d Document) Credential(id string) (auth.Credential, error) {
	if d.Principal == nil || strings.TrimSpace(*d.Principal) == "" {
		return auth.Credential{}, fmt.Errorf("%w: principal missing", ErrSchema)
	}
	if d.IsDeleted == nil {
		return auth.Credential{}, fmt.Errorf("%w: is_deleted missing", ErrSchema)
	}
	cred := auth.Credential{
		Principal: *d.Principal,
		IsDeleted: *d.IsDeleted,
	}
	hasMAC := d.MACKey != nil || d.MACAlgorithm != nil || d.MACKeyIdentifier != nil
	switch {
	case hasMAC && d.APIKey != nil:
		return auth.Credential{}, fmt.Errorf("%w: both mac and api key fields present", ErrSchema)
	case hasMAC:
		if d.MACKey == nil || *d.MACKey == "" || d.MACAlgorithm == nil || d.MACKeyIdentifier == nil {
			return auth.Credential{}, fmt.Errorf("%w: incomplete mac credential", ErrSchema)
		}
		if *d.MACKeyIdentifier != id {
			return auth.Credential{}, fmt.Errorf("%w: mac_key_identifier %q does not match %q", ErrSchema, *d.MACKeyIdentifier, id)
		}
		alg, err := auth.ParseAlgorithm(*d.MACAlgorithm)
		if err != nil {
			return auth.Credential{}, fmt.Errorf("%w: %v", ErrSchema, err)
		}
		cred.Kind = auth.KindMAC
		cred.Identifier = *d.MACKeyIdentifier
		cred.Secret = *d.MACKey
		cred.Algorithm = alg
	case d.APIKey != nil:
		if *d.APIKey != id {
			return auth.Credential{}, fmt.Errorf("%w: api_key does not match %q", ErrSchema, id)
		}
		cred.Kind = auth.KindBasic
		cred.Identifier = *d.APIKey
	default:
		return auth.Credential{}, fmt.Errorf("%w: neither mac nor api key fields present", ErrSchema)
	}
	return cred, nil
}

// NewMACDocument builds the wire form of a MAC credential.
func NewMACDocument(principal, identifier, key string, alg auth.Algorithm, deleted bool) Document {
	algorithm := string(alg)
	return Document{
		Principal:        &principal,
		MACKey:           &key,
		MACAlgorithm:     &algorithm,
		MACKeyIdentifier: &identifier,
		IsDeleted:        &deleted,
	}
}

// NewAPIKeyDocument builds the wire form of an API key credential.
func NewAPIKeyDocument(principal, apiKey string, deleted bool) Document {
	return Document{
		Principal: &principal,
		APIKey:    &apiKey,
		IsDeleted: &deleted,
	}
}
