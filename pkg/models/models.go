package models

import (
	"net/url"
	"strings"
	"time"
)

// AppMetadata describes a peer application as advertised in proposals and settlements.
type AppMetadata struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	Icons       []string  `json:"icons"`
	Redirect    *Redirect `json:"redirect,omitempty"`
	VerifyURL   string    `json:"verifyUrl,omitempty"`
}

type Redirect struct {
	Native    string `json:"native,omitempty"`
	Universal string `json:"universal,omitempty"`
	LinkMode  bool   `json:"linkMode,omitempty"`
}

// Host returns the normalized host of the metadata URL, or "" when the URL is unusable.
func (m AppMetadata) Host() string {
	raw := strings.TrimSpace(m.URL)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Relay is the relay protocol descriptor carried in URIs and session payloads.
type Relay struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data,omitempty"`
}

const DefaultRelayProtocol = "irn"

func DefaultRelay() Relay {
	return Relay{Protocol: DefaultRelayProtocol}
}

// Participant is a peer's public key plus metadata.
type Participant struct {
	PublicKey string      `json:"publicKey"`
	Metadata  AppMetadata `json:"metadata"`
}

type ConnectionStatus struct {
	State       string    `json:"state"`
	Transport   string    `json:"transport"`
	Subscribed  int       `json:"subscribed"`
	Queued      int       `json:"queued"`
	Attempts    int       `json:"attempts"`
	LastChange  time.Time `json:"last_change"`
	LastFailure string    `json:"last_failure,omitempty"`
}
