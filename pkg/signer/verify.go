package signer

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrKeyMismatch        = errors.New("signature key id does not match certificate")
	ErrDigestMismatch     = errors.New("digest does not match body")
	ErrCanonicalMismatch  = errors.New("canonical url does not match request")
	ErrBadSignature       = errors.New("signature verification failed")
)

var signatureRe = regexp.MustCompile(
	`^keyId="([^"]*)",headers="([^"]*)",algorithm="([^"]*)",signature=Base64\(SHA256withRSA\(([A-Za-z0-9+/=]*)\)\)$`)

// Parsed is a decoded Signature header.
type Parsed struct {
	KeyID     string
	Headers   []string
	Algorithm string
	Signature []byte
}

// ParseSignature decodes a Signature header produced by Sign.
func ParseSignature(header string) (*Parsed, error) {
	m := signatureRe.FindStringSubmatch(header)
	if m == nil {
		return nil, ErrMalformedSignature
	}
	if !strings.EqualFold(m[3], Algorithm) {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedSignature, m[3])
	}
	sig, err := base64.StdEncoding.DecodeString(m[4])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return &Parsed{
		KeyID:     m[1],
		Headers:   strings.Fields(m[2]),
		Algorithm: m[3],
		Signature: sig,
	}, nil
}

// Verify checks the received header values of a request to rawURL with body
// against the public key registered for fingerprint.
func Verify(pub *rsa.PublicKey, fingerprint, rawURL string, body []byte, got Values) error {
	p, err := ParseSignature(got.Signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(p.KeyID, fingerprint) {
		return ErrKeyMismatch
	}

	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return err
	}
	if got.CanonicalURL != canonical {
		return ErrCanonicalMismatch
	}

	digest := digestValue(body)
	if got.Digest != "" || digest != "" {
		if got.Digest != DigestPrefix+digest {
			return ErrDigestMismatch
		}
	}

	var material strings.Builder
	for _, h := range p.Headers {
		switch h {
		case HeaderCanonicalURL:
			material.WriteString(canonical)
		case HeaderDigest:
			material.WriteString(digest)
		case HeaderDate:
			material.WriteString(got.Date)
		default:
			return fmt.Errorf("%w: unknown signed header %q", ErrMalformedSignature, h)
		}
	}

	hashed := sha256.Sum256([]byte(material.String()))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], p.Signature); err != nil {
		return ErrBadSignature
	}
	return nil
}
