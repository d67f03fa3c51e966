package hebe

import (
	"errors"
	"fmt"
	"strings"
)

// Transport and decoding failures. These are raised before the response
// status is looked at.
var (
	ErrFailedRequest               = errors.New("request failed")
	ErrNotFoundEndpoint            = errors.New("endpoint not found")
	ErrMethodNotAllowed            = errors.New("method not allowed")
	ErrInvalidResponseContentType  = errors.New("invalid response content type")
	ErrInvalidResponseContent      = errors.New("invalid response content")
	ErrInvalidResponseEnvelopeType = errors.New("invalid response envelope type")

	// ErrNotRegistered is returned by calls that need the account base URL
	// before the certificate has been registered.
	ErrNotRegistered = errors.New("certificate is not registered")
)

// Failures reported by the server through the envelope status.
var (
	ErrNoPermissions                   = errors.New("no permissions")
	ErrInvalidSignature                = errors.New("invalid signature values")
	ErrInvalidRequestEnvelopeStructure = errors.New("invalid request envelope structure")
	ErrInvalidRequestHeadersStructure  = errors.New("invalid request headers structure")
	ErrNoUnitSymbol                    = errors.New("no unit symbol")
	ErrUnauthorizedCertificate         = errors.New("unauthorized certificate")
	ErrNotFoundEntity                  = errors.New("entity not found")
	ErrInvalidToken                    = errors.New("invalid token")
	ErrUsedToken                       = errors.New("token already used")
	ErrInvalidPIN                      = errors.New("invalid PIN")
	ErrExpiredToken                    = errors.New("token expired")
	ErrUnknownStatus                   = errors.New("unknown status")
)

// Kind classifies a non-zero envelope status code.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoPermissions
	KindInvalidSignature
	KindInvalidRequestEnvelopeStructure
	KindInvalidRequestHeadersStructure
	KindNoUnitSymbol
	KindUnauthorizedCertificate
	KindNotFoundEntity
	KindUsedToken
	KindInvalidPIN
	KindExpiredToken
)

// Status codes with a dedicated meaning.
const (
	CodeOK                              = 0
	CodeNoPermissions                   = 100
	CodeInvalidRequestEnvelopeStructure = 101
	CodeInvalidRequestHeadersStructure  = 102
	CodeNoUnitSymbol                    = 104
	CodeUnauthorizedCertificate         = 108
	CodeNotFoundEntity                  = 200
	CodeUsedToken                       = 201
	CodeInvalidPIN                      = 203
	CodeExpiredToken                    = 204
)

// signatureMessageSep tells the two meanings of code 100 apart: signature
// failures carry a "<field>: <detail>" message.
// TODO: replace with a structured check once the backend documents the
// code 100 message format.
const signatureMessageSep = ": "

var kindNames = map[Kind]string{
	KindUnknown:                         "Unknown",
	KindNoPermissions:                   "NoPermissions",
	KindInvalidSignature:                "InvalidSignature",
	KindInvalidRequestEnvelopeStructure: "InvalidRequestEnvelopeStructure",
	KindInvalidRequestHeadersStructure:  "InvalidRequestHeadersStructure",
	KindNoUnitSymbol:                    "NoUnitSymbol",
	KindUnauthorizedCertificate:         "UnauthorizedCertificate",
	KindNotFoundEntity:                  "NotFoundEntity",
	KindUsedToken:                       "UsedToken",
	KindInvalidPIN:                      "InvalidPIN",
	KindExpiredToken:                    "ExpiredToken",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// sentinels returns the errors a StatusError of this kind matches.
func (k Kind) sentinels() []error {
	switch k {
	case KindNoPermissions:
		return []error{ErrNoPermissions}
	case KindInvalidSignature:
		return []error{ErrInvalidSignature}
	case KindInvalidRequestEnvelopeStructure:
		return []error{ErrInvalidRequestEnvelopeStructure}
	case KindInvalidRequestHeadersStructure:
		return []error{ErrInvalidRequestHeadersStructure}
	case KindNoUnitSymbol:
		return []error{ErrNoUnitSymbol}
	case KindUnauthorizedCertificate:
		return []error{ErrUnauthorizedCertificate}
	case KindNotFoundEntity:
		// Code 200 means "invalid token" on the registration endpoint.
		return []error{ErrNotFoundEntity, ErrInvalidToken}
	case KindUsedToken:
		return []error{ErrUsedToken}
	case KindInvalidPIN:
		return []error{ErrInvalidPIN}
	case KindExpiredToken:
		return []error{ErrExpiredToken}
	default:
		return []error{ErrUnknownStatus}
	}
}

// StatusError is a non-zero envelope status. It matches the sentinel of its
// Kind under errors.Is.
type StatusError struct {
	Code    int
	Message string
	Kind    Kind
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("[%d] %s (%s)", e.Code, e.Message, e.Kind)
}

func (e *StatusError) Unwrap() []error { return e.Kind.sentinels() }

// KindOf maps a non-zero status code to its Kind. Unlisted codes are
// KindUnknown.
func KindOf(code int, message string) Kind {
	switch code {
	case CodeNoPermissions:
		if strings.Contains(message, signatureMessageSep) {
			return KindInvalidSignature
		}
		return KindNoPermissions
	case CodeInvalidRequestEnvelopeStructure:
		return KindInvalidRequestEnvelopeStructure
	case CodeInvalidRequestHeadersStructure:
		return KindInvalidRequestHeadersStructure
	case CodeNoUnitSymbol:
		return KindNoUnitSymbol
	case CodeUnauthorizedCertificate:
		return KindUnauthorizedCertificate
	case CodeNotFoundEntity:
		return KindNotFoundEntity
	case CodeUsedToken:
		return KindUsedToken
	case CodeInvalidPIN:
		return KindInvalidPIN
	case CodeExpiredToken:
		return KindExpiredToken
	default:
		return KindUnknown
	}
}

// CheckStatus returns nil for code 0 and a *StatusError otherwise.
func CheckStatus(s Status) error {
	if s.Code == CodeOK {
		return nil
	}
	return &StatusError{Code: s.Code, Message: s.Message, Kind: KindOf(s.Code, s.Message)}
}
