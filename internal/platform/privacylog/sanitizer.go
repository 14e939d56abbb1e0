package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	processSalt = newSalt()

	// Key material and credentials never reach the log sink.
	secretKeyParts = []string{"sym_key", "symkey", "private_key", "mnemonic", "token", "secret", "password", "passphrase", "authorization", "auth", "signature", "cacao"}

	// Peer identifiers are fingerprinted: records stay correlatable within one
	// process, but a topic or key cannot be looked up on the relay from a log.
	identifierKeys = map[string]struct{}{
		"public_key": {},
		"peer_key":   {},
		"client_id":  {},
		"account":    {},
		"iss":        {},
	}

	symKeyParam = regexp.MustCompile(`(symKey=)[^&\s"]+`)
)

// SanitizingHandler rewrites attributes before they reach next.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	if _, ok := next.(*SanitizingHandler); ok {
		return next
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, scrubText(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAll(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts secrets, fingerprints topics and peer identifiers,
// strips sym keys out of pairing URIs and recurses into groups.
func SanitizeAttr(a slog.Attr) slog.Attr {
	key := strings.TrimSpace(a.Key)
	norm := strings.ToLower(key)
	v := a.Value.Resolve()

	switch {
	case v.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAll(v.Group())...)}
	case isSecret(norm):
		return slog.String(key, redactedValue)
	case isIdentifier(norm):
		return slog.String(fingerprintKey(key), FingerprintID(v.String()))
	case v.Kind() == slog.KindString:
		if s := v.String(); strings.Contains(s, "symKey=") {
			return slog.String(key, scrubText(s))
		}
	}
	return slog.Attr{Key: key, Value: v}
}

// FingerprintID is a short salted digest of value, stable for the life of the process.
func FingerprintID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(processSalt + "|" + value))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = SanitizeAttr(a)
	}
	return out
}

func scrubText(s string) string {
	return symKeyParam.ReplaceAllString(s, "${1}"+redactedValue)
}

func isSecret(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

// isIdentifier matches topic, pairing_topic, response_topic and friends, plus identifierKeys.
func isIdentifier(key string) bool {
	if key == "topic" || strings.HasSuffix(key, "_topic") {
		return true
	}
	_, ok := identifierKeys[key]
	return ok
}

func fingerprintKey(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func newSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "privacylog"
	}
	return hex.EncodeToString(buf)
}
