package auth

import "strconv"

// FailureReason classifies a rejected request. The numeric values travel in the
// failure detail header and must not be renumbered.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	ReasonUnknownAuthenticationScheme
	ReasonNoAuthHeader
	ReasonInvalidAuthHeader
	ReasonTimestampInFuture
	ReasonTimestampTooOld
	ReasonNonceReused
	ReasonCredsNotFound
	ReasonSignatureMismatch
	ReasonInvalidBasicAuthHeader
	ReasonCredsWrongType
)

var reasonNames = map[FailureReason]string{
	ReasonNone:                        "None",
	ReasonUnknownAuthenticationScheme: "UnknownAuthenticationScheme",
	ReasonNoAuthHeader:                "NoAuthHeader",
	ReasonInvalidAuthHeader:           "InvalidAuthHeader",
	ReasonTimestampInFuture:           "TimestampInFuture",
	ReasonTimestampTooOld:             "TimestampTooOld",
	ReasonNonceReused:                 "NonceReused",
	ReasonCredsNotFound:               "CredsNotFound",
	ReasonSignatureMismatch:           "SignatureMismatch",
	ReasonInvalidBasicAuthHeader:      "InvalidBasicAuthHeader",
	ReasonCredsWrongType:              "CredsWrongType",
}

func (r FailureReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "FailureReason(" + strconv.Itoa(int(r)) + ")"
}

// Code is the value sent in the failure detail header.
func (r FailureReason) Code() string { return strconv.Itoa(int(r)) }

// Debug detail keys attached to SignatureMismatch verdicts when debugging is on.
const (
	DebugContentSHA1   = "Content-Sha1"
	DebugContentLength = "Content-Length"
	DebugKey           = "Key"
	DebugAlgorithm     = "Algorithm"
	DebugHost          = "Host"
	DebugPort          = "Port"
	DebugContentType   = "Content-Type"
	DebugMethod        = "Method"
	DebugURI           = "URI"
	DebugTimestamp     = "Timestamp"
	DebugNonce         = "Nonce"
	DebugExt           = "Ext"
	DebugMAC           = "MAC"
	DebugNormalized    = "Normalized-Request-String"
)

// Verdict is the outcome of authenticating one request.
type Verdict struct {
	OK            bool
	Principal     string
	KeyIdentifier string
	Scheme        string
	Reason        FailureReason
	Debug         map[string]string
}

// Success builds an accepting verdict.
func Success(scheme, principal, keyIdentifier string) Verdict {
	return Verdict{OK: true, Scheme: scheme, Principal: principal, KeyIdentifier: keyIdentifier}
}

// Failure builds a rejecting verdict.
func Failure(scheme string, reason FailureReason) Verdict {
	return Verdict{Scheme: scheme, Reason: reason}
}
