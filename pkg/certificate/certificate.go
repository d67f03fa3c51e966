// Package certificate holds the device identity that anchors request signing:
// a self-signed X.509 certificate, its RSA private key and fingerprint, plus
// the account details learned once during registration.
//
// The package never persists anything on its own. Callers keep the identity
// between runs with Save/Load or by marshalling it to JSON.
package certificate

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // the backend identifies certificates by SHA-1 thumbprint
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	DefaultName = "wulkanowy/sdk-go"
	DefaultType = "X509"
	DefaultOS   = "Android"

	keyBits      = 2048
	certValidity = 20 * 365 * 24 * time.Hour
	commonName   = "APP_CERTIFICATE CA Certificate"
)

// ErrAlreadyRegistered is returned by SetAccount when the account details
// have already been written.
var ErrAlreadyRegistered = errors.New("certificate already registered")

// Certificate is a device identity.
//
// Everything except the account details is fixed at creation. RestURL and
// LoginID stay empty until SetAccount is called by a successful registration.
type Certificate struct {
	// PEM is the base64 DER encoding of the X.509 certificate, without armor.
	PEM string
	// Fingerprint is the lowercase hex SHA-1 of the certificate DER.
	Fingerprint string
	// PrivateKey is the base64 PKCS#8 encoding of the RSA key.
	PrivateKey string

	Type string
	OS   string
	Name string

	// PushToken is sent as FirebaseToken in every envelope when set.
	PushToken string

	key        *rsa.PrivateKey
	restURL    string
	loginID    int64
	registered bool
}

type options struct {
	typ  string
	os   string
	name string
}

// Option customises Create.
type Option func(*options)

// WithOS sets the device OS reported in the vOS header.
func WithOS(os string) Option { return func(o *options) { o.os = os } }

// WithName sets the device model reported in the vDeviceModel header.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithType sets the certificate type sent during registration.
func WithType(typ string) Option { return func(o *options) { o.typ = typ } }

// Create generates a fresh 2048-bit RSA key and a self-signed certificate.
func Create(opts ...Option) (*Certificate, error) {
	o := options{typ: DefaultType, os: DefaultOS, name: DefaultName}
	for _, opt := range opts {
		opt(&o)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	return &Certificate{
		PEM:         base64.StdEncoding.EncodeToString(der),
		Fingerprint: fingerprint(der),
		PrivateKey:  base64.StdEncoding.EncodeToString(pkcs8),
		Type:        o.typ,
		OS:          o.os,
		Name:        o.name,
		key:         key,
	}, nil
}

// Parse rebuilds a Certificate from its encoded parts and checks that the
// fingerprint and private key belong to the certificate.
func Parse(pemB64, fp, privateKeyB64 string) (*Certificate, error) {
	cert, got, err := DecodePublic(pemB64)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(got, fp) {
		return nil, fmt.Errorf("fingerprint mismatch: certificate hashes to %s", got)
	}

	key, err := parsePrivateKey(privateKeyB64)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, errors.New("private key does not match certificate")
	}

	return &Certificate{
		PEM:         pemB64,
		Fingerprint: strings.ToLower(fp),
		PrivateKey:  privateKeyB64,
		Type:        DefaultType,
		OS:          DefaultOS,
		Name:        DefaultName,
		key:         key,
	}, nil
}

// DecodePublic parses a base64 DER certificate as sent at registration and
// returns it with its fingerprint.
func DecodePublic(pemB64 string) (*x509.Certificate, string, error) {
	der, err := base64.StdEncoding.DecodeString(pemB64)
	if err != nil {
		return nil, "", fmt.Errorf("decode certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, "", fmt.Errorf("parse certificate: %w", err)
	}
	return cert, fingerprint(der), nil
}

// Key returns the parsed RSA private key.
func (c *Certificate) Key() *rsa.PrivateKey { return c.key }

// X509 parses and returns the certificate.
func (c *Certificate) X509() (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(c.PEM)
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// RestURL returns the API base learned at registration, or "" before it.
func (c *Certificate) RestURL() string { return c.restURL }

// LoginID returns the account login id learned at registration.
func (c *Certificate) LoginID() int64 { return c.loginID }

// Registered reports whether SetAccount has been called.
func (c *Certificate) Registered() bool { return c.registered }

// SetAccount records the account details returned by registration. Both
// values are written together, and only once.
func (c *Certificate) SetAccount(restURL string, loginID int64) error {
	if c.registered {
		return ErrAlreadyRegistered
	}
	if restURL == "" {
		return errors.New("empty rest url")
	}
	c.restURL = restURL
	c.loginID = loginID
	c.registered = true
	return nil
}

type certificateJSON struct {
	PEM         string  `json:"pem"`
	Fingerprint string  `json:"fingerprint"`
	PrivateKey  string  `json:"private_key"`
	Type        string  `json:"type"`
	OS          string  `json:"os"`
	Name        string  `json:"name"`
	PushToken   string  `json:"push_token,omitempty"`
	RestURL     *string `json:"rest_url"`
	LoginID     *int64  `json:"login_id"`
}

// MarshalJSON encodes the identity including its account details.
func (c *Certificate) MarshalJSON() ([]byte, error) {
	out := certificateJSON{
		PEM:         c.PEM,
		Fingerprint: c.Fingerprint,
		PrivateKey:  c.PrivateKey,
		Type:        c.Type,
		OS:          c.OS,
		Name:        c.Name,
		PushToken:   c.PushToken,
	}
	if c.registered {
		restURL, loginID := c.restURL, c.loginID
		out.RestURL = &restURL
		out.LoginID = &loginID
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an identity written by MarshalJSON and validates the
// key material.
func (c *Certificate) UnmarshalJSON(data []byte) error {
	var in certificateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	parsed, err := Parse(in.PEM, in.Fingerprint, in.PrivateKey)
	if err != nil {
		return err
	}
	if in.Type != "" {
		parsed.Type = in.Type
	}
	if in.OS != "" {
		parsed.OS = in.OS
	}
	if in.Name != "" {
		parsed.Name = in.Name
	}
	parsed.PushToken = in.PushToken
	if in.RestURL != nil && *in.RestURL != "" {
		var loginID int64
		if in.LoginID != nil {
			loginID = *in.LoginID
		}
		if err := parsed.SetAccount(*in.RestURL, loginID); err != nil {
			return err
		}
	}
	*c = *parsed
	return nil
}

func parsePrivateKey(b64 string) (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		// Older identities stored the key as PKCS#1.
		key, err1 := x509.ParsePKCS1PrivateKey(der)
		if err1 != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return key, nil
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

func fingerprint(der []byte) string {
	sum := sha1.Sum(der) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// randomSerial generates a cryptographically random 128-bit certificate serial.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
