package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"wcsign/go-backend/internal/storage"
	"wcsign/go-backend/pkg/models"
)

const DefaultVerifyURL = "https://verify.walletconnect.org"

type Validation string

const (
	ValidationValid   Validation = "VALID"
	ValidationInvalid Validation = "INVALID"
	ValidationUnknown Validation = "UNKNOWN"
)

var ErrAttestationNotFound = errors.New("attestation not found")

// Context is what a wallet shows the user about the origin of a request.
type Context struct {
	ID         int64      `json:"id"`
	Origin     string     `json:"origin"`
	Validation Validation `json:"validation"`
	VerifyURL  string     `json:"verifyUrl"`
	IsScam     bool       `json:"isScam,omitempty"`
}

// Attestation is the verify server's record for one message hash.
type Attestation struct {
	Origin string `json:"origin"`
	IsScam bool   `json:"isScam"`
}

type AttestationResolver interface {
	Resolve(ctx context.Context, verifyURL, attestationID string) (Attestation, error)
}

// AttestationID is the id the verify server files an encrypted message under.
func AttestationID(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}

// HTTPResolver queries GET {verifyURL}/attestation/{id}.
type HTTPResolver struct {
	client *http.Client
}

func NewHTTPResolver(timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{client: &http.Client{Timeout: timeout}}
}

func (r *HTTPResolver) Resolve(ctx context.Context, verifyURL, attestationID string) (Attestation, error) {
	endpoint := strings.TrimRight(verifyURL, "/") + "/attestation/" + url.PathEscape(attestationID) + "?v2Supported=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Attestation{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Attestation{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Attestation{}, ErrAttestationNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Attestation{}, fmt.Errorf("verify server status %s", strconv.Itoa(resp.StatusCode))
	}
	var att Attestation
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		return Attestation{}, err
	}
	return att, nil
}

// Service resolves and keeps the verify context of inbound requests.
type Service struct {
	resolver  AttestationResolver
	verifyURL string
	contexts  *storage.Table[Context]
	logger    *slog.Logger
}

func NewService(resolver AttestationResolver, verifyURL string, contexts *storage.Table[Context], logger *slog.Logger) *Service {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	if contexts == nil {
		contexts = storage.NewTable[Context]()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{resolver: resolver, verifyURL: verifyURL, contexts: contexts, logger: logger}
}

// Resolve validates the claimed metadata of request id. Failures degrade to UNKNOWN.
func (s *Service) Resolve(ctx context.Context, id int64, attestationID string, metadata models.AppMetadata) Context {
	verifyURL := metadata.VerifyURL
	if verifyURL == "" {
		verifyURL = s.verifyURL
	}
	out := Context{ID: id, Origin: metadata.URL, Validation: ValidationUnknown, VerifyURL: verifyURL}
	if s.resolver != nil && attestationID != "" {
		att, err := s.resolver.Resolve(ctx, verifyURL, attestationID)
		switch {
		case err != nil:
			s.logger.Debug("attestation unresolved", "id", id, "reason", err.Error())
		default:
			out = Evaluate(out, att, metadata)
		}
	}
	if err := s.contexts.Put(strconv.FormatInt(id, 10), out); err != nil {
		s.logger.Warn("verify context not stored", "id", id, "reason", err.Error())
	}
	return out
}

// Evaluate compares the attested origin with the claimed metadata host.
func Evaluate(base Context, att Attestation, metadata models.AppMetadata) Context {
	base.IsScam = att.IsScam
	attested := hostOf(att.Origin)
	if attested == "" {
		base.Validation = ValidationUnknown
		return base
	}
	base.Origin = att.Origin
	if attested == metadata.Host() {
		base.Validation = ValidationValid
	} else {
		base.Validation = ValidationInvalid
	}
	return base
}

func (s *Service) Get(id int64) (Context, bool) {
	return s.contexts.Get(strconv.FormatInt(id, 10))
}

func (s *Service) Delete(id int64) error {
	return s.contexts.Delete(strconv.FormatInt(id, 10))
}

func hostOf(origin string) string {
	return models.AppMetadata{URL: origin}.Host()
}
