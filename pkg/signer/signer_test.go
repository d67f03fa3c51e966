package signer_test

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/hebe/pkg/signer"
)

const (
	testFingerprint = "7ef3e8c35ef1a2c1a59e5a05fae5d0d4a8d5bd0e"
	testURL         = "https://api.example.test/unit/api/mobile/grade/byPupil?pupilId=1&periodId=2"
)

var testKey = func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}()

var instant = time.Date(2023, time.March, 14, 9, 26, 53, 0, time.UTC)

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"register", "https://h.test/unit/api/mobile/register/new", "api%2fmobile%2fregister%2fnew"},
		{"query", "http://h.test/s/api/mobile/x?a=1&b=Z", "api%2fmobile%2fx%3fa%3d1%26b%3dz"},
		{"host ignored", "http://other.test:8443/s/api/mobile/x", "api%2fmobile%2fx"},
		{"no mobile segment", "http://h.test/plain/path?q=1", "plain%2fpath%3fq%3d1"},
		{"unreserved kept", "http://h.test/api/mobile/a-b_c.d~e", "api%2fmobile%2fa-b_c.d~e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := signer.CanonicalURL(tt.url)
			if err != nil {
				t.Fatalf("CanonicalURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSign_deterministic(t *testing.T) {
	body := []byte(`{"Envelope":{"a":1}}`)
	v1, err := signer.Sign(testKey, testFingerprint, testURL, body, instant)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := signer.Sign(testKey, testFingerprint, testURL, body, instant)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Errorf("signing twice with identical inputs differs:\n%+v\n%+v", v1, v2)
	}
}

func TestSign_instantChangesSignature(t *testing.T) {
	v1, err := signer.Sign(testKey, testFingerprint, testURL, nil, instant)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := signer.Sign(testKey, testFingerprint, testURL, nil, instant.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if v1.Signature == v2.Signature {
		t.Error("signature unchanged after moving the instant by one second")
	}
	if v1.Date == v2.Date {
		t.Error("vDate unchanged after moving the instant by one second")
	}
}

func TestSign_headerShape(t *testing.T) {
	v, err := signer.Sign(testKey, testFingerprint, testURL, []byte(`{}`), instant)
	if err != nil {
		t.Fatal(err)
	}
	if v.Date != "Tue, 14 Mar 2023 09:26:53 GMT" {
		t.Errorf("date: got %q", v.Date)
	}
	if !strings.HasPrefix(v.Digest, signer.DigestPrefix) {
		t.Errorf("digest missing prefix: %q", v.Digest)
	}
	wantPrefix := `keyId="` + testFingerprint + `",headers="vCanonicalUrl Digest vDate",algorithm="sha256withrsa",signature=Base64(SHA256withRSA(`
	if !strings.HasPrefix(v.Signature, wantPrefix) {
		t.Errorf("signature header: got %q", v.Signature)
	}
}

func TestSign_bodylessHasNoDigest(t *testing.T) {
	v, err := signer.Sign(testKey, testFingerprint, testURL, nil, instant)
	if err != nil {
		t.Fatal(err)
	}
	if v.Digest != "" {
		t.Errorf("expected empty digest, got %q", v.Digest)
	}
	p, err := signer.ParseSignature(v.Signature)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(p.Headers, " ") != "vCanonicalUrl vDate" {
		t.Errorf("signed headers: got %v", p.Headers)
	}
}

func TestSign_nilKey(t *testing.T) {
	if _, err := signer.Sign(nil, testFingerprint, testURL, nil, instant); err == nil {
		t.Fatal("expected error for nil key")
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"Envelope":{"PIN":"123"}}`)
	v, err := signer.Sign(testKey, testFingerprint, testURL, body, instant)
	if err != nil {
		t.Fatal(err)
	}

	if err := signer.Verify(&testKey.PublicKey, testFingerprint, testURL, body, v); err != nil {
		t.Fatalf("Verify valid request: %v", err)
	}

	tests := []struct {
		name    string
		fp      string
		url     string
		body    []byte
		mutate  func(*signer.Values)
		wantErr error
	}{
		{"tampered body", testFingerprint, testURL, []byte(`{"Envelope":{"PIN":"999"}}`), nil, signer.ErrDigestMismatch},
		{"other endpoint", testFingerprint, "https://api.example.test/unit/api/mobile/note/byPupil", body, nil, signer.ErrCanonicalMismatch},
		{"other key id", strings.Repeat("a", 40), testURL, body, nil, signer.ErrKeyMismatch},
		{"replayed date", testFingerprint, testURL, body, func(v *signer.Values) { v.Date = signer.FormatDate(instant.Add(time.Minute)) }, signer.ErrBadSignature},
		{"garbage header", testFingerprint, testURL, body, func(v *signer.Values) { v.Signature = "nope" }, signer.ErrMalformedSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v
			if tt.mutate != nil {
				tt.mutate(&got)
			}
			err := signer.Verify(&testKey.PublicKey, tt.fp, tt.url, tt.body, got)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDigest(t *testing.T) {
	if signer.Digest(nil) != "" {
		t.Error("digest of empty body must be empty")
	}
	// sha256("abc") in base64.
	if got := signer.Digest([]byte("abc")); got != "SHA-256=ungWv48Bz+pBQUDeXa4iI7ADYaOWF3qctBD/YfIAFa0=" {
		t.Errorf("digest: got %q", got)
	}
}
