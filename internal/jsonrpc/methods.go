package jsonrpc

import (
	"time"

	"wcsign/go-backend/internal/relay"
)

const (
	MethodPairingDelete = "wc_pairingDelete"
	MethodPairingPing   = "wc_pairingPing"

	MethodSessionPropose      = "wc_sessionPropose"
	MethodSessionSettle       = "wc_sessionSettle"
	MethodSessionUpdate       = "wc_sessionUpdate"
	MethodSessionExtend       = "wc_sessionExtend"
	MethodSessionRequest      = "wc_sessionRequest"
	MethodSessionEvent        = "wc_sessionEvent"
	MethodSessionDelete       = "wc_sessionDelete"
	MethodSessionPing         = "wc_sessionPing"
	MethodSessionAuthenticate = "wc_sessionAuthenticate"
)

// MethodOpts are the relay hints for a method's request and its response.
type MethodOpts struct {
	Request  relay.IrnParams
	Response relay.IrnParams
}

const (
	thirtySeconds = 30 * time.Second
	fiveMinutes   = 5 * time.Minute
	oneHour       = time.Hour
	oneDay        = 24 * time.Hour
)

var methodOpts = map[string]MethodOpts{
	MethodPairingDelete: {
		Request:  relay.IrnParams{Tag: 1000, TTL: oneDay},
		Response: relay.IrnParams{Tag: 1001, TTL: oneDay},
	},
	MethodPairingPing: {
		Request:  relay.IrnParams{Tag: 1002, TTL: thirtySeconds},
		Response: relay.IrnParams{Tag: 1003, TTL: thirtySeconds},
	},
	MethodSessionPropose: {
		Request:  relay.IrnParams{Tag: 1100, TTL: fiveMinutes, Prompt: true},
		Response: relay.IrnParams{Tag: 1101, TTL: fiveMinutes},
	},
	MethodSessionSettle: {
		Request:  relay.IrnParams{Tag: 1102, TTL: fiveMinutes},
		Response: relay.IrnParams{Tag: 1103, TTL: fiveMinutes},
	},
	MethodSessionUpdate: {
		Request:  relay.IrnParams{Tag: 1104, TTL: oneDay},
		Response: relay.IrnParams{Tag: 1105, TTL: oneDay},
	},
	MethodSessionExtend: {
		Request:  relay.IrnParams{Tag: 1106, TTL: oneDay},
		Response: relay.IrnParams{Tag: 1107, TTL: oneDay},
	},
	MethodSessionRequest: {
		Request:  relay.IrnParams{Tag: 1108, TTL: fiveMinutes, Prompt: true},
		Response: relay.IrnParams{Tag: 1109, TTL: fiveMinutes},
	},
	MethodSessionEvent: {
		Request:  relay.IrnParams{Tag: 1110, TTL: fiveMinutes, Prompt: true},
		Response: relay.IrnParams{Tag: 1111, TTL: fiveMinutes},
	},
	MethodSessionDelete: {
		Request:  relay.IrnParams{Tag: 1112, TTL: oneDay},
		Response: relay.IrnParams{Tag: 1113, TTL: oneDay},
	},
	MethodSessionPing: {
		Request:  relay.IrnParams{Tag: 1114, TTL: thirtySeconds},
		Response: relay.IrnParams{Tag: 1115, TTL: thirtySeconds},
	},
	MethodSessionAuthenticate: {
		Request:  relay.IrnParams{Tag: 1116, TTL: oneHour, Prompt: true},
		Response: relay.IrnParams{Tag: 1117, TTL: oneHour},
	},
}

// RejectAuthenticateOpts tags a rejection of wc_sessionAuthenticate.
var RejectAuthenticateOpts = MethodOpts{
	Request:  relay.IrnParams{Tag: 1118, TTL: oneHour},
	Response: relay.IrnParams{Tag: 1119, TTL: oneHour},
}

// OptsFor falls back to a five minute, untagged hint for unknown methods.
func OptsFor(method string) MethodOpts {
	if opts, ok := methodOpts[method]; ok {
		return opts
	}
	return MethodOpts{
		Request:  relay.IrnParams{TTL: fiveMinutes},
		Response: relay.IrnParams{TTL: fiveMinutes},
	}
}
