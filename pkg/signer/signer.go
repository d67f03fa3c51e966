// Package signer produces and checks the per-request signature values used by
// the mobile API: a body digest, the canonical URL and an RSA signature over
// both plus the request date.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DigestPrefix precedes the base64 body hash in the Digest header.
	DigestPrefix = "SHA-256="
	// Algorithm is the value of the algorithm field in the Signature header.
	Algorithm = "sha256withrsa"

	mobileSegment = "api/mobile/"
)

// Header names that take part in the signature, in signing order.
const (
	HeaderCanonicalURL = "vCanonicalUrl"
	HeaderDigest       = "Digest"
	HeaderDate         = "vDate"
)

// Values are the signature-related header values for one request.
type Values struct {
	// Digest is "SHA-256=<base64>" or empty for bodyless requests.
	Digest       string
	CanonicalURL string
	Signature    string
	// Date is the signing instant in RFC1123 GMT form (vDate).
	Date string
}

// Sign computes the signature values for a request to rawURL carrying body,
// made at now. Identical inputs always produce identical values.
func Sign(key *rsa.PrivateKey, fingerprint, rawURL string, body []byte, now time.Time) (Values, error) {
	if key == nil {
		return Values{}, errors.New("signer: nil private key")
	}
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return Values{}, err
	}

	date := FormatDate(now)
	digest := digestValue(body)
	names, material := signedMaterial(canonical, digest, date)

	hashed := sha256.Sum256([]byte(material))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return Values{}, fmt.Errorf("sign request: %w", err)
	}

	v := Values{
		CanonicalURL: canonical,
		Date:         date,
		Signature:    formatSignature(fingerprint, names, base64.StdEncoding.EncodeToString(sig)),
	}
	if digest != "" {
		v.Digest = DigestPrefix + digest
	}
	return v, nil
}

// CanonicalURL reduces rawURL to the signed form: the path and query starting
// at the api/mobile/ segment (or the whole path when absent), percent-encoded
// and lower-cased. Scheme and host never take part.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	rest := u.RequestURI()
	if i := strings.Index(strings.ToLower(rest), mobileSegment); i >= 0 {
		rest = rest[i:]
	} else {
		rest = strings.TrimPrefix(rest, "/")
	}
	return strings.ToLower(percentEncode(rest)), nil
}

// FormatDate renders t as the vDate header value.
func FormatDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// Digest returns the Digest header value for body, or "" when body is empty.
func Digest(body []byte) string {
	d := digestValue(body)
	if d == "" {
		return ""
	}
	return DigestPrefix + d
}

func digestValue(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// signedMaterial returns the space separated header list and the concatenated
// values that get signed. The digest is left out for bodyless requests.
func signedMaterial(canonical, digest, date string) (string, string) {
	if digest == "" {
		return HeaderCanonicalURL + " " + HeaderDate, canonical + date
	}
	return HeaderCanonicalURL + " " + HeaderDigest + " " + HeaderDate, canonical + digest + date
}

func formatSignature(fingerprint, headers, sig string) string {
	return fmt.Sprintf(`keyId="%s",headers="%s",algorithm="%s",signature=Base64(SHA256withRSA(%s))`,
		fingerprint, headers, Algorithm, sig)
}

// percentEncode escapes every byte outside the unreserved set, including '/'.
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
