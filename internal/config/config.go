package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"wcsign/go-backend/internal/relay"
	"wcsign/go-backend/pkg/models"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is everything the daemon needs to build a client.
type Config struct {
	Relay    relay.Config
	Metadata models.AppMetadata
	Storage  StorageConfig
	RPC      RPCConfig
	LogLevel string
}

type StorageConfig struct {
	DataDir    string
	Passphrase string
}

type RPCConfig struct {
	ListenAddr string
	Token      string
	RPS        float64
	Burst      int
}

// File is the on-disk shape of configs/config.yaml. Pointer and zero fields keep defaults.
type File struct {
	Relay    FileRelayConfig     `yaml:"relay"`
	Metadata *models.AppMetadata `yaml:"metadata"`
	Storage  FileStorageConfig   `yaml:"storage"`
	RPC      FileRPCConfig       `yaml:"rpc"`
	LogLevel string              `yaml:"logLevel"`
}

type FileRelayConfig struct {
	Transport      string        `yaml:"transport"`
	RelayURL       string        `yaml:"relayUrl"`
	ProjectID      string        `yaml:"projectId"`
	ConnectionType string        `yaml:"connectionType"`
	BackoffInitial time.Duration `yaml:"backoffInitial"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	PublishRPS     float64       `yaml:"publishRps"`
	PublishBurst   int           `yaml:"publishBurst"`
	Port           int           `yaml:"port"`
	BootstrapNodes []string      `yaml:"bootstrapNodes"`
	MinPeers       int           `yaml:"minPeers"`
	EnableStore    *bool         `yaml:"enableStore"`
}

type FileStorageConfig struct {
	DataDir string `yaml:"dataDir"`
}

type FileRPCConfig struct {
	ListenAddr string  `yaml:"listenAddr"`
	RPS        float64 `yaml:"rps"`
	Burst      int     `yaml:"burst"`
}

func Default() Config {
	return Config{
		Relay: relay.DefaultConfig(),
		Metadata: models.AppMetadata{
			Name:        "wcsign daemon",
			Description: "wcsign signing daemon",
			URL:         "https://wcsign.local",
			Icons:       []string{},
		},
		Storage:  StorageConfig{DataDir: "data"},
		RPC:      RPCConfig{ListenAddr: "127.0.0.1:8787", RPS: 10, Burst: 20},
		LogLevel: "info",
	}
}

// LoadFromPath reads the first readable candidate, merges it over Default and
// applies WC_* environment overrides. An unreadable or malformed file falls
// back to defaults.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"go-backend/configs/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed File
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src File) {
	mergeRelay(&dst.Relay, src.Relay)
	if src.Metadata != nil {
		dst.Metadata = *src.Metadata
	}
	if src.Storage.DataDir != "" {
		dst.Storage.DataDir = src.Storage.DataDir
	}
	if src.RPC.ListenAddr != "" {
		dst.RPC.ListenAddr = src.RPC.ListenAddr
	}
	if src.RPC.RPS != 0 {
		dst.RPC.RPS = src.RPC.RPS
	}
	if src.RPC.Burst != 0 {
		dst.RPC.Burst = src.RPC.Burst
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

func mergeRelay(dst *relay.Config, src FileRelayConfig) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.RelayURL != "" {
		dst.RelayURL = src.RelayURL
	}
	if src.ProjectID != "" {
		dst.ProjectID = src.ProjectID
	}
	if src.ConnectionType != "" {
		dst.ConnectionType = relay.ConnectionType(src.ConnectionType)
	}
	if src.BackoffInitial != 0 {
		dst.BackoffInitial = src.BackoffInitial
	}
	if src.BackoffMax != 0 {
		dst.BackoffMax = src.BackoffMax
	}
	if src.RequestTimeout != 0 {
		dst.RequestTimeout = src.RequestTimeout
	}
	if src.PublishRPS != 0 {
		dst.PublishRPS = src.PublishRPS
	}
	if src.PublishBurst != 0 {
		dst.PublishBurst = src.PublishBurst
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	if src.EnableStore != nil {
		dst.EnableStore = *src.EnableStore
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("WC_RELAY_URL")); v != "" {
		cfg.Relay.RelayURL = v
	}
	if v := strings.TrimSpace(os.Getenv("WC_PROJECT_ID")); v != "" {
		cfg.Relay.ProjectID = v
	}
	if v := strings.TrimSpace(os.Getenv("WC_RELAY_TRANSPORT")); v != "" {
		cfg.Relay.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv("WC_DATA_DIR")); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("WC_STORAGE_PASSPHRASE"); strings.TrimSpace(v) != "" {
		cfg.Storage.Passphrase = v
	}
	if v := strings.TrimSpace(os.Getenv("WC_RPC_TOKEN")); v != "" {
		cfg.RPC.Token = v
	}
	if raw := strings.TrimSpace(os.Getenv("WC_PUBLISH_RPS")); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			cfg.Relay.PublishRPS = v
		}
	}
}

// Validate rejects settings the transports would only fail on later.
func (c Config) Validate() error {
	switch c.Relay.Transport {
	case relay.TransportWebsocket, relay.TransportMock, relay.TransportGoWaku:
	default:
		return fmt.Errorf("%w: unknown relay transport %q", ErrInvalidConfig, c.Relay.Transport)
	}
	if c.Relay.Transport == relay.TransportWebsocket && strings.TrimSpace(c.Relay.ProjectID) == "" {
		return fmt.Errorf("%w: projectId is required for the websocket relay", ErrInvalidConfig)
	}
	for _, addr := range c.Relay.BootstrapNodes {
		if _, err := ma.NewMultiaddr(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("%w: bootstrap node %q: %v", ErrInvalidConfig, addr, err)
		}
	}
	if strings.TrimSpace(c.RPC.ListenAddr) == "" {
		return fmt.Errorf("%w: rpc listen address is empty", ErrInvalidConfig)
	}
	return nil
}
