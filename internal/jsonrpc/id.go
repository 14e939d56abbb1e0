package jsonrpc

import (
	"math/rand/v2"
	"sync"
	"time"
)

var (
	idMu   sync.Mutex
	lastID int64
)

// NewID returns milliseconds*1000 plus three random digits, strictly increasing per process.
func NewID() int64 {
	candidate := time.Now().UnixMilli()*1000 + rand.Int64N(1000)
	idMu.Lock()
	defer idMu.Unlock()
	if candidate <= lastID {
		candidate = lastID + 1
	}
	lastID = candidate
	return candidate
}
