package relay

import (
	"strings"
	"time"
)

const (
	TransportMock      = "mock"
	TransportWebsocket = "websocket"
	TransportGoWaku    = "go-waku"

	DefaultRelayURL = "wss://relay.walletconnect.org"
)

// ConnectionType decides whether the connection heals itself.
type ConnectionType string

const (
	ConnectionTypeAutomatic ConnectionType = "automatic"
	ConnectionTypeManual    ConnectionType = "manual"
)

type Config struct {
	Transport          string         `yaml:"transport"`
	RelayURL           string         `yaml:"relayUrl"`
	ProjectID          string         `yaml:"projectId"`
	UserAgent          string         `yaml:"userAgent"`
	ConnectionType     ConnectionType `yaml:"connectionType"`
	BackoffInitial     time.Duration  `yaml:"backoffInitial"`
	BackoffMax         time.Duration  `yaml:"backoffMax"`
	RequestTimeout     time.Duration  `yaml:"requestTimeout"`
	PingInterval       time.Duration  `yaml:"pingInterval"`
	PublishRPS         float64        `yaml:"publishRps"`
	PublishBurst       int            `yaml:"publishBurst"`
	MaxQueuedPublishes int            `yaml:"maxQueuedPublishes"`
	InboundBuffer      int            `yaml:"inboundBuffer"`

	// go-waku transport only.
	Port           int      `yaml:"port"`
	BootstrapNodes []string `yaml:"bootstrapNodes"`
	MinPeers       int      `yaml:"minPeers"`
	EnableStore    bool     `yaml:"enableStore"`
}

func DefaultConfig() Config {
	return Config{
		Transport:          TransportWebsocket,
		RelayURL:           DefaultRelayURL,
		UserAgent:          "wc-2/go-1.0.0/daemon",
		ConnectionType:     ConnectionTypeAutomatic,
		BackoffInitial:     1 * time.Second,
		BackoffMax:         30 * time.Second,
		RequestTimeout:     10 * time.Second,
		PingInterval:       30 * time.Second,
		PublishRPS:         20,
		PublishBurst:       40,
		MaxQueuedPublishes: 512,
		InboundBuffer:      256,
		Port:               60000,
		MinPeers:           1,
		EnableStore:        true,
	}
}

func NormalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.Transport = strings.TrimSpace(cfg.Transport)
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if strings.TrimSpace(cfg.RelayURL) == "" {
		cfg.RelayURL = def.RelayURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.ConnectionType != ConnectionTypeManual {
		cfg.ConnectionType = ConnectionTypeAutomatic
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MaxQueuedPublishes <= 0 {
		cfg.MaxQueuedPublishes = def.MaxQueuedPublishes
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = def.InboundBuffer
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}
