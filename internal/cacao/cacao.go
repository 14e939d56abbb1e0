package cacao

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	HeaderCAIP122 = "caip122"
	HeaderEIP4361 = "eip4361"

	SignatureEIP191  = "eip191"
	SignatureEIP1271 = "eip1271"

	DefaultVersion = "1"
)

var (
	ErrInvalidIssuer         = errors.New("cacao issuer is not a did:pkh")
	ErrUnsupportedNamespace  = errors.New("cacao namespace not supported")
	ErrExpired               = errors.New("cacao expired")
	ErrNotYetValid           = errors.New("cacao not yet valid")
	ErrDomainMismatch        = errors.New("cacao domain mismatch")
	ErrAudienceMismatch      = errors.New("cacao audience mismatch")
	ErrInvalidSignature      = errors.New("cacao signature is malformed")
	ErrSignatureMismatch     = errors.New("cacao signature does not match issuer")
	ErrNotSmartAccount       = errors.New("cacao issuer has no contract code")
	ErrCounterfactualAccount = errors.New("cacao issuer is an undeployed smart account")
	ErrVerifierUnavailable   = errors.New("smart account verifier unavailable")
)

type Header struct {
	T string `json:"t"`
}

type Payload struct {
	Iss       string   `json:"iss"`
	Domain    string   `json:"domain"`
	Aud       string   `json:"aud"`
	Version   string   `json:"version"`
	Nonce     string   `json:"nonce"`
	Iat       string   `json:"iat"`
	Nbf       string   `json:"nbf,omitempty"`
	Exp       string   `json:"exp,omitempty"`
	Statement string   `json:"statement,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Resources []string `json:"resources,omitempty"`
}

type Signature struct {
	T string `json:"t"`
	S string `json:"s"`
	M string `json:"m,omitempty"`
}

// Cacao is a chain-agnostic capability object: header, signed payload, signature.
type Cacao struct {
	H Header    `json:"h"`
	P Payload   `json:"p"`
	S Signature `json:"s"`
}

// Issuer is the parsed did:pkh of a payload.
type Issuer struct {
	Namespace string
	Reference string
	Address   string
}

func (i Issuer) ChainID() string {
	return i.Namespace + ":" + i.Reference
}

func (i Issuer) Account() string {
	return i.ChainID() + ":" + i.Address
}

func ParseIssuer(iss string) (Issuer, error) {
	rest, ok := strings.CutPrefix(iss, "did:pkh:")
	if !ok {
		return Issuer{}, fmt.Errorf("%w: %q", ErrInvalidIssuer, iss)
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Issuer{}, fmt.Errorf("%w: %q", ErrInvalidIssuer, iss)
	}
	return Issuer{Namespace: parts[0], Reference: parts[1], Address: parts[2]}, nil
}

// IssuerFor formats the did:pkh for account (namespace:reference:address).
func IssuerFor(account string) string {
	return "did:pkh:" + account
}

// Request is what a requester asks a wallet to sign, once per chain.
type Request struct {
	Type      string   `json:"type,omitempty"`
	Chains    []string `json:"chains"`
	Domain    string   `json:"domain"`
	Aud       string   `json:"aud"`
	Version   string   `json:"version,omitempty"`
	Nonce     string   `json:"nonce"`
	Iat       string   `json:"iat"`
	Nbf       string   `json:"nbf,omitempty"`
	Exp       string   `json:"exp,omitempty"`
	Statement string   `json:"statement,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Resources []string `json:"resources,omitempty"`
}

// PayloadFor binds the request to one signing account.
func (r Request) PayloadFor(account string) Payload {
	version := r.Version
	if version == "" {
		version = DefaultVersion
	}
	return Payload{
		Iss:       IssuerFor(account),
		Domain:    r.Domain,
		Aud:       r.Aud,
		Version:   version,
		Nonce:     r.Nonce,
		Iat:       r.Iat,
		Nbf:       r.Nbf,
		Exp:       r.Exp,
		Statement: r.Statement,
		RequestID: r.RequestID,
		Resources: append([]string(nil), r.Resources...),
	}
}

// CheckTime rejects a payload whose exp has passed or whose nbf is in the future.
func (p Payload) CheckTime(now time.Time) error {
	if p.Exp != "" {
		exp, err := time.Parse(time.RFC3339, p.Exp)
		if err != nil {
			return fmt.Errorf("cacao exp: %w", err)
		}
		if !now.Before(exp) {
			return ErrExpired
		}
	}
	if p.Nbf != "" {
		nbf, err := time.Parse(time.RFC3339, p.Nbf)
		if err != nil {
			return fmt.Errorf("cacao nbf: %w", err)
		}
		if now.Before(nbf) {
			return ErrNotYetValid
		}
	}
	return nil
}
