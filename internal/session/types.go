package session

import (
	"encoding/json"
	"time"

	"wcsign/go-backend/internal/cacao"
	"wcsign/go-backend/internal/verify"
	"wcsign/go-backend/pkg/models"
)

const (
	ProposalTTL      = 5 * time.Minute
	SessionTTL       = 7 * 24 * time.Hour
	MinRequestExpiry = 5 * time.Minute
	MaxRequestExpiry = 7 * 24 * time.Hour
	AuthenticateTTL  = time.Hour
)

// Proposal is a namespace request not yet approved or rejected.
type Proposal struct {
	ID                 int64                        `json:"id"`
	PairingTopic       string                       `json:"pairingTopic"`
	RequiredNamespaces map[string]ProposalNamespace `json:"requiredNamespaces"`
	OptionalNamespaces map[string]ProposalNamespace `json:"optionalNamespaces,omitempty"`
	Properties         map[string]string            `json:"sessionProperties,omitempty"`
	Proposer           models.Participant           `json:"proposer"`
	Relays             []models.Relay               `json:"relays"`
	Expiry             time.Time                    `json:"expiry"`
	// SessionTopic is set on the proposer side once the responder has answered.
	SessionTopic string          `json:"sessionTopic,omitempty"`
	Verify       *verify.Context `json:"verifyContext,omitempty"`
}

func (p Proposal) Expired(now time.Time) bool {
	return now.After(p.Expiry)
}

// Session is a settled capability grant between two peers.
type Session struct {
	Topic              string                       `json:"topic"`
	PairingTopic       string                       `json:"pairingTopic"`
	Relay              models.Relay                 `json:"relay"`
	Namespaces         map[string]Namespace         `json:"namespaces"`
	RequiredNamespaces map[string]ProposalNamespace `json:"requiredNamespaces,omitempty"`
	OptionalNamespaces map[string]ProposalNamespace `json:"optionalNamespaces,omitempty"`
	Properties         map[string]string            `json:"sessionProperties,omitempty"`
	Expiry             time.Time                    `json:"expiry"`
	Self               models.Participant           `json:"self"`
	Peer               models.Participant           `json:"peer"`
	Controller         string                       `json:"controller"`
	Acknowledged       bool                         `json:"acknowledged"`
	LastUpdateID       int64                        `json:"lastUpdateId,omitempty"`
	Authentication     []cacao.Cacao                `json:"authentication,omitempty"`
}

func (s Session) Expired(now time.Time) bool {
	return now.After(s.Expiry)
}

func (s Session) IsController() bool {
	return s.Controller != "" && s.Controller == s.Self.PublicKey
}

// PendingRequest is an authorized inbound wc_sessionRequest waiting for the application.
type PendingRequest struct {
	ID      int64           `json:"id"`
	Topic   string          `json:"topic"`
	ChainID string          `json:"chainId"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Expiry  time.Time       `json:"expiry,omitempty"`
	Verify  *verify.Context `json:"verifyContext,omitempty"`
}

// AuthRequest is an inbound wc_sessionAuthenticate waiting for signatures.
type AuthRequest struct {
	ID           int64              `json:"id"`
	PairingTopic string             `json:"pairingTopic"`
	Requester    models.Participant `json:"requester"`
	Payload      cacao.Request      `json:"authPayload"`
	Expiry       time.Time          `json:"expiry"`
	Verify       *verify.Context    `json:"verifyContext,omitempty"`
}

func (a AuthRequest) Expired(now time.Time) bool {
	return now.After(a.Expiry)
}

// pendingAuth is the requester side record of an outstanding wc_sessionAuthenticate.
type pendingAuth struct {
	ID            int64         `json:"id"`
	PairingTopic  string        `json:"pairingTopic"`
	ResponseTopic string        `json:"responseTopic"`
	PublicKey     string        `json:"publicKey"`
	Payload       cacao.Request `json:"authPayload"`
	Expiry        time.Time     `json:"expiry"`
}

// SessionEvent is an application event emitted over a session.
type SessionEvent struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

type proposeParams struct {
	Relays             []models.Relay               `json:"relays"`
	Proposer           models.Participant           `json:"proposer"`
	RequiredNamespaces map[string]ProposalNamespace `json:"requiredNamespaces"`
	OptionalNamespaces map[string]ProposalNamespace `json:"optionalNamespaces,omitempty"`
	SessionProperties  map[string]string            `json:"sessionProperties,omitempty"`
	ExpiryTimestamp    int64                        `json:"expiryTimestamp"`
}

type proposeResult struct {
	Relay              models.Relay `json:"relay"`
	ResponderPublicKey string       `json:"responderPublicKey"`
}

type settleParams struct {
	Relay              models.Relay                 `json:"relay"`
	Namespaces         map[string]Namespace         `json:"namespaces"`
	RequiredNamespaces map[string]ProposalNamespace `json:"requiredNamespaces,omitempty"`
	OptionalNamespaces map[string]ProposalNamespace `json:"optionalNamespaces,omitempty"`
	SessionProperties  map[string]string            `json:"sessionProperties,omitempty"`
	Expiry             int64                        `json:"expiry"`
	Controller         models.Participant           `json:"controller"`
}

type updateParams struct {
	Namespaces map[string]Namespace `json:"namespaces"`
}

type extendParams struct {
	Expiry int64 `json:"expiry"`
}

type requestBody struct {
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params"`
	ExpiryTimestamp int64           `json:"expiryTimestamp,omitempty"`
}

type requestParams struct {
	Request requestBody `json:"request"`
	ChainID string      `json:"chainId"`
}

type eventParams struct {
	Event   SessionEvent `json:"event"`
	ChainID string       `json:"chainId"`
}

type deleteParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type authenticateParams struct {
	Requester       models.Participant `json:"requester"`
	AuthPayload     cacao.Request      `json:"authPayload"`
	ExpiryTimestamp int64              `json:"expiryTimestamp"`
}

type authenticateResult struct {
	Cacaos    []cacao.Cacao      `json:"cacaos"`
	Responder models.Participant `json:"responder"`
}
