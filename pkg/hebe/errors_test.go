package hebe_test

import (
	"errors"
	"testing"

	"github.com/jmerrifield20/hebe/pkg/hebe"
)

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		code int
		msg  string
		kind hebe.Kind
		want []error
	}{
		{100, "vCanonicalUrl: mismatch", hebe.KindInvalidSignature, []error{hebe.ErrInvalidSignature}},
		{100, "Brak uprawnień", hebe.KindNoPermissions, []error{hebe.ErrNoPermissions}},
		{101, "", hebe.KindInvalidRequestEnvelopeStructure, []error{hebe.ErrInvalidRequestEnvelopeStructure}},
		{102, "", hebe.KindInvalidRequestHeadersStructure, []error{hebe.ErrInvalidRequestHeadersStructure}},
		{104, "", hebe.KindNoUnitSymbol, []error{hebe.ErrNoUnitSymbol}},
		{108, "", hebe.KindUnauthorizedCertificate, []error{hebe.ErrUnauthorizedCertificate}},
		{200, "", hebe.KindNotFoundEntity, []error{hebe.ErrNotFoundEntity, hebe.ErrInvalidToken}},
		{201, "", hebe.KindUsedToken, []error{hebe.ErrUsedToken}},
		{203, "", hebe.KindInvalidPIN, []error{hebe.ErrInvalidPIN}},
		{204, "", hebe.KindExpiredToken, []error{hebe.ErrExpiredToken}},
		{999, "weird", hebe.KindUnknown, []error{hebe.ErrUnknownStatus}},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := hebe.CheckStatus(hebe.Status{Code: tt.code, Message: tt.msg})
			var se *hebe.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("got %T, want *StatusError", err)
			}
			if se.Code != tt.code || se.Message != tt.msg || se.Kind != tt.kind {
				t.Errorf("got %+v", se)
			}
			for _, w := range tt.want {
				if !errors.Is(err, w) {
					t.Errorf("errors.Is(%v, %v) = false", err, w)
				}
			}
		})
	}
}

func TestCheckStatus_success(t *testing.T) {
	if err := hebe.CheckStatus(hebe.Status{Code: 0, Message: "OK"}); err != nil {
		t.Errorf("code 0: got %v", err)
	}
}

func TestCheckStatus_unknownKeepsRawValues(t *testing.T) {
	err := hebe.CheckStatus(hebe.Status{Code: 999, Message: "weird"})
	if errors.Is(err, hebe.ErrNotFoundEntity) || errors.Is(err, hebe.ErrNoPermissions) {
		t.Errorf("generic status matched a specific sentinel: %v", err)
	}
	if got := err.Error(); got != "[999] weird (Unknown)" {
		t.Errorf("Error(): got %q", got)
	}
}
