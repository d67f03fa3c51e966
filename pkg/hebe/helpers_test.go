package hebe_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/hebe/pkg/certificate"
	"github.com/jmerrifield20/hebe/pkg/hebe"
)

var (
	keyOnce sync.Once
	keyCert *certificate.Certificate
)

// newCert returns a fresh unregistered certificate. Key generation is done
// once per test binary and the material re-parsed for each caller.
func newCert(t *testing.T) *certificate.Certificate {
	t.Helper()
	keyOnce.Do(func() {
		c, err := certificate.Create()
		if err != nil {
			t.Fatalf("certificate.Create: %v", err)
		}
		keyCert = c
	})
	c, err := certificate.Parse(keyCert.PEM, keyCert.Fingerprint, keyCert.PrivateKey)
	if err != nil {
		t.Fatalf("certificate.Parse: %v", err)
	}
	return c
}

// registeredClient points a client at srv as if registration had already
// happened.
func registeredClient(t *testing.T, srv *httptest.Server, opts ...hebe.Option) *hebe.Client {
	t.Helper()
	cert := newCert(t)
	if err := cert.SetAccount(srv.URL+"/powiatwulkanowy/api", 1); err != nil {
		t.Fatalf("SetAccount: %v", err)
	}
	c, err := hebe.New(cert, opts...)
	if err != nil {
		t.Fatalf("hebe.New: %v", err)
	}
	return c
}

func writeEnvelope(w http.ResponseWriter, tag string, payload any) {
	writeStatus(w, tag, payload, 0, "OK")
}

func writeStatus(w http.ResponseWriter, tag string, payload any, code int, msg string) {
	w.Header().Set("Content-Type", hebe.ResponseContentType)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"EnvelopeType":       tag,
		"Envelope":           payload,
		"Status":             map[string]any{"Code": code, "Message": msg},
		"RequestId":          "7d9e5d1c-8f0c-4c47-9a0f-2d6c7bb0b1a1",
		"Timestamp":          1678786013000,
		"TimestampFormatted": "2023-03-14 10:26:53",
	})
}

func fixedClock() time.Time {
	return time.Date(2023, 3, 14, 9, 26, 53, 0, time.UTC)
}

// items builds n list items with consecutive ids starting at first.
func items(first, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"Id": first + i, "Content": "x"}
	}
	return out
}
