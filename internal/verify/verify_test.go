package verify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wcsign/go-backend/pkg/models"
)

type staticResolver struct {
	att Attestation
	err error
}

func (r staticResolver) Resolve(context.Context, string, string) (Attestation, error) {
	return r.att, r.err
}

func TestServiceResolveValidation(t *testing.T) {
	meta := models.AppMetadata{Name: "dapp", URL: "https://app.example.com"}
	cases := []struct {
		name     string
		resolver AttestationResolver
		attID    string
		want     Validation
		scam     bool
	}{
		{"matching origin", staticResolver{att: Attestation{Origin: "https://APP.example.com"}}, "h", ValidationValid, false},
		{"other origin", staticResolver{att: Attestation{Origin: "https://evil.example.com", IsScam: true}}, "h", ValidationInvalid, true},
		{"resolver error", staticResolver{err: errors.New("down")}, "h", ValidationUnknown, false},
		{"no attestation", staticResolver{}, "", ValidationUnknown, false},
	}
	for i, tc := range cases {
		svc := NewService(tc.resolver, "", nil, nil)
		got := svc.Resolve(context.Background(), int64(i), tc.attID, meta)
		if got.Validation != tc.want || got.IsScam != tc.scam {
			t.Fatalf("%s: unexpected context %+v", tc.name, got)
		}
		stored, ok := svc.Get(int64(i))
		if !ok || stored.Validation != tc.want {
			t.Fatalf("%s: context not stored", tc.name)
		}
	}
}

func TestHTTPResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/attestation/") {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(Attestation{Origin: "https://app.example.com"})
	}))
	defer srv.Close()

	r := NewHTTPResolver(time.Second)
	att, err := r.Resolve(context.Background(), srv.URL, "abc")
	if err != nil || att.Origin != "https://app.example.com" {
		t.Fatalf("resolve: %+v %v", att, err)
	}
	if _, err := r.Resolve(context.Background(), srv.URL, "missing"); !errors.Is(err, ErrAttestationNotFound) {
		t.Fatalf("expected ErrAttestationNotFound, got %v", err)
	}
}

func TestAttestationIDIsStable(t *testing.T) {
	if AttestationID("abc") != AttestationID("abc") || len(AttestationID("abc")) != 64 {
		t.Fatal("attestation id must be a stable sha256 hex")
	}
}
