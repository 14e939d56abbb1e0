package pairing

import (
	"net/url"
	"testing"
)

func TestParseURIMinimal(t *testing.T) {
	uri := ParseURI("wc:abc123@2?relay-protocol=irn&symKey=deadbeef")
	if uri == nil {
		t.Fatal("expected uri")
	}
	if uri.Topic != "abc123" || uri.Version != 2 || uri.SymKey != "deadbeef" {
		t.Fatalf("unexpected uri: %+v", uri)
	}
	if uri.Relay.Protocol != "irn" || uri.Relay.Data != "" {
		t.Fatalf("unexpected relay: %+v", uri.Relay)
	}
	if uri.ExpiryTimestamp != 0 || len(uri.Methods) != 0 {
		t.Fatalf("unexpected optional params: %+v", uri)
	}
}

func TestParseURIRejectsIncomplete(t *testing.T) {
	cases := []string{
		"",
		"wc:abc123@2?relay-protocol=irn",
		"wc:abc123@2?symKey=deadbeef",
		"wc:abc123?relay-protocol=irn&symKey=deadbeef",
		"wc:@2?relay-protocol=irn&symKey=deadbeef",
		"wc:abc123@zero?relay-protocol=irn&symKey=deadbeef",
		"https://example.com",
	}
	for _, raw := range cases {
		if uri := ParseURI(raw); uri != nil {
			t.Fatalf("expected nil for %q, got %+v", raw, uri)
		}
	}
}

func TestParseURIOptionalParams(t *testing.T) {
	uri := ParseURI("wc:abc123@2?relay-protocol=irn&symKey=deadbeef&expiryTimestamp=1700000300&methods=[wc_sessionPropose,wc_sessionAuthenticate]")
	if uri == nil {
		t.Fatal("expected uri")
	}
	if uri.ExpiryTimestamp != 1700000300 {
		t.Fatalf("unexpected expiry %d", uri.ExpiryTimestamp)
	}
	if len(uri.Methods) != 2 || uri.Methods[0] != "wc_sessionPropose" || uri.Methods[1] != "wc_sessionAuthenticate" {
		t.Fatalf("unexpected methods %v", uri.Methods)
	}
}

func TestParseURIDeepLink(t *testing.T) {
	inner := "wc:abc123@2?relay-protocol=irn&symKey=deadbeef"
	uri := ParseURI("wcapp://wc?uri=" + url.QueryEscape(inner))
	if uri == nil || uri.Topic != "abc123" || uri.SymKey != "deadbeef" {
		t.Fatalf("unexpected deep link parse: %+v", uri)
	}
}

func TestURIStringRoundTrip(t *testing.T) {
	in := ParseURI("wc:abc123@2?relay-protocol=irn&symKey=deadbeef&expiryTimestamp=42")
	if in == nil {
		t.Fatal("expected uri")
	}
	out := ParseURI(in.String())
	if out == nil || out.Topic != in.Topic || out.SymKey != in.SymKey || out.ExpiryTimestamp != 42 || out.Relay != in.Relay {
		t.Fatalf("round trip mismatch: %+v vs %+v", in, out)
	}
}
