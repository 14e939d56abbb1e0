package rpc

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

const (
	rpcStreamMaxGlobalEnv    = "WC_RPC_STREAM_MAX_GLOBAL"
	rpcStreamMaxPerClientEnv = "WC_RPC_STREAM_MAX_PER_CLIENT"
)

type rpcStreamLimitConfig struct {
	MaxGlobal    int
	MaxPerClient int
}

func loadRPCStreamLimitConfig() rpcStreamLimitConfig {
	return rpcStreamLimitConfig{
		MaxGlobal:    positiveIntEnv(rpcStreamMaxGlobalEnv, 64),
		MaxPerClient: positiveIntEnv(rpcStreamMaxPerClientEnv, 4),
	}
}

func positiveIntEnv(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// rpcStreamLimiter caps concurrent notification streams globally and per client.
type rpcStreamLimiter struct {
	cfg rpcStreamLimitConfig

	mu     sync.Mutex
	total  int
	perKey map[string]int
}

func newRPCStreamLimiter(cfg rpcStreamLimitConfig) *rpcStreamLimiter {
	return &rpcStreamLimiter{cfg: cfg, perKey: make(map[string]int)}
}

// acquire reserves one stream slot for clientKey. release is idempotent.
func (l *rpcStreamLimiter) acquire(clientKey string) (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total >= l.cfg.MaxGlobal || l.perKey[clientKey] >= l.cfg.MaxPerClient {
		return nil, false
	}
	l.total++
	l.perKey[clientKey]++
	var once sync.Once
	return func() {
		once.Do(func() { l.release(clientKey) })
	}, true
}

func (l *rpcStreamLimiter) release(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total--
	if l.perKey[clientKey] <= 1 {
		delete(l.perKey, clientKey)
		return
	}
	l.perKey[clientKey]--
}
