package sandbox

import (
	"crypto/rsa"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/hebe/pkg/hebe"
	"github.com/jmerrifield20/hebe/pkg/signer"
)

const (
	deviceKey = "sandbox.device"
	// maxClockSkew bounds how far vDate may be from the server clock.
	maxClockSkew = 15 * time.Minute
)

// authenticate checks the signature headers of an entity request against
// the registered certificate named by keyId.
func (s *Server) authenticate(c *gin.Context) {
	p, err := signer.ParseSignature(c.GetHeader("Signature"))
	if err != nil {
		s.fail(c, hebe.CodeInvalidRequestHeadersStructure, "Signature header is malformed")
		return
	}
	dev, ok := s.store.Device(p.KeyID)
	if !ok {
		s.fail(c, hebe.CodeUnauthorizedCertificate, "Certificate is not registered")
		return
	}
	if dev.Symbol != c.Param("symbol") {
		s.fail(c, hebe.CodeNoPermissions, "No permissions for this unit")
		return
	}
	if code, msg, ok := s.checkSignature(c, dev.PublicKey, dev.Fingerprint, nil); !ok {
		s.fail(c, code, msg)
		return
	}
	c.Set(deviceKey, dev)
	c.Next()
}

// checkSignature verifies the signed headers of c against pub. On failure it
// returns the status to answer with. Signature mismatches use code 100 with a
// "<header>: <detail>" message.
func (s *Server) checkSignature(c *gin.Context, pub *rsa.PublicKey, fingerprint string, body []byte) (int, string, bool) {
	h := c.Request.Header
	vals := signer.Values{
		CanonicalURL: h.Get(signer.HeaderCanonicalURL),
		Digest:       h.Get(signer.HeaderDigest),
		Date:         h.Get(signer.HeaderDate),
		Signature:    h.Get("Signature"),
	}
	if vals.CanonicalURL == "" || vals.Date == "" || vals.Signature == "" {
		return hebe.CodeInvalidRequestHeadersStructure, "Missing signature headers", false
	}
	date, err := http.ParseTime(vals.Date)
	if err != nil {
		return hebe.CodeInvalidRequestHeadersStructure, "vDate is malformed", false
	}
	if skew := s.cfg.Now().Sub(date); skew > maxClockSkew || skew < -maxClockSkew {
		return hebe.CodeNoPermissions, signer.HeaderDate + ": outside the allowed window", false
	}

	err = signer.Verify(pub, fingerprint, c.Request.URL.RequestURI(), body, vals)
	switch {
	case err == nil:
		return 0, "", true
	case errors.Is(err, signer.ErrCanonicalMismatch):
		return hebe.CodeNoPermissions, signer.HeaderCanonicalURL + ": does not match the request", false
	case errors.Is(err, signer.ErrDigestMismatch):
		return hebe.CodeNoPermissions, signer.HeaderDigest + ": does not match the body", false
	case errors.Is(err, signer.ErrMalformedSignature):
		return hebe.CodeInvalidRequestHeadersStructure, "Signature header is malformed", false
	default:
		return hebe.CodeNoPermissions, "Signature: " + err.Error(), false
	}
}
