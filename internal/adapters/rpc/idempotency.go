package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const (
	rpcIdempotencyHeader     = "X-WC-Idempotency-Key"
	rpcIdempotencyTTL        = 10 * time.Minute
	rpcIdempotencyMaxEntries = 1024
)

// idempotentCall is one keyed control call. done closes once resp is final.
type idempotentCall struct {
	requestHash string
	startedAt   time.Time
	done        chan struct{}
	resp        rpcResponse
}

// rpcIdempotencyCache lets a control client retry wc_approve or wc_respond
// without answering the peer twice. A retry that arrives while the first call
// is still running waits for it instead of dispatching again. Failed calls are
// forgotten so they can be retried.
type rpcIdempotencyCache struct {
	mu    sync.Mutex
	calls map[string]*idempotentCall
}

func newRPCIdempotencyCache() *rpcIdempotencyCache {
	return &rpcIdempotencyCache{calls: make(map[string]*idempotentCall)}
}

// begin claims key for a request. The leader gets a nil wait and must call
// finish. Everyone else gets the leader's call to wait on. conflict reports
// that key was used for a different request.
func (c *rpcIdempotencyCache) begin(key, requestHash string, now time.Time) (wait *idempotentCall, conflict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	if call, ok := c.calls[key]; ok {
		if call.requestHash != requestHash {
			return nil, true
		}
		return call, false
	}
	c.calls[key] = &idempotentCall{requestHash: requestHash, startedAt: now, done: make(chan struct{})}
	c.evictLocked()
	return nil, false
}

func (c *rpcIdempotencyCache) finish(key string, resp rpcResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[key]
	if !ok {
		return
	}
	call.resp = resp
	close(call.done)
	if resp.Error != nil {
		delete(c.calls, key)
	}
}

func (c *rpcIdempotencyCache) evictLocked() {
	if len(c.calls) <= rpcIdempotencyMaxEntries {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	for key, call := range c.calls {
		if !isDone(call) {
			continue
		}
		if oldestKey == "" || call.startedAt.Before(oldestAt) {
			oldestKey, oldestAt = key, call.startedAt
		}
	}
	if oldestKey != "" {
		delete(c.calls, oldestKey)
	}
}

func (c *rpcIdempotencyCache) pruneLocked(now time.Time) {
	for key, call := range c.calls {
		if isDone(call) && now.Sub(call.startedAt) > rpcIdempotencyTTL {
			delete(c.calls, key)
		}
	}
}

func isDone(call *idempotentCall) bool {
	select {
	case <-call.done:
		return true
	default:
		return false
	}
}

// rpcIdempotencyKey scopes client keys to the caller's token.
func rpcIdempotencyKey(raw string, authToken string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	return authToken + "|" + key
}

func rpcRequestHash(req rpcRequest) string {
	raw, err := json.Marshal(struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}{req.Method, req.Params})
	if err != nil {
		raw = []byte(req.Method + "|" + string(req.Params))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
