package pairing

import (
	"net/url"
	"strconv"
	"strings"

	"wcsign/go-backend/pkg/models"
)

const (
	uriScheme       = "wc:"
	deepLinkMarker  = "wc?uri="
	protocolVersion = 2
)

// URI is the out-of-band pairing invitation, wc:<topic>@<version>?<params>.
type URI struct {
	Topic           string
	Version         int
	SymKey          string
	Relay           models.Relay
	ExpiryTimestamp int64
	Methods         []string
}

// ParseURI returns nil for anything that is not a complete pairing URI.
// Deep links of the form <scheme>wc?uri=<escaped uri> are unwrapped first.
func ParseURI(raw string) *URI {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, deepLinkMarker); idx >= 0 {
		raw = raw[idx+len(deepLinkMarker):]
	}
	if !strings.HasPrefix(raw, uriScheme) {
		decoded, err := url.QueryUnescape(raw)
		if err != nil {
			return nil
		}
		raw = decoded
	}
	body, ok := strings.CutPrefix(raw, uriScheme)
	if !ok {
		return nil
	}
	path, rawQuery, _ := strings.Cut(body, "?")
	topic, rawVersion, ok := strings.Cut(path, "@")
	if !ok || topic == "" || rawVersion == "" {
		return nil
	}
	version, err := strconv.Atoi(rawVersion)
	if err != nil || version <= 0 {
		return nil
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil
	}
	u := &URI{
		Topic:   topic,
		Version: version,
		SymKey:  query.Get("symKey"),
		Relay: models.Relay{
			Protocol: query.Get("relay-protocol"),
			Data:     query.Get("relay-data"),
		},
	}
	if u.SymKey == "" || u.Relay.Protocol == "" {
		return nil
	}
	if exp := query.Get("expiryTimestamp"); exp != "" {
		ts, err := strconv.ParseInt(exp, 10, 64)
		if err != nil {
			return nil
		}
		u.ExpiryTimestamp = ts
	}
	if methods := query.Get("methods"); methods != "" {
		for _, m := range strings.Split(strings.Trim(methods, "[]"), ",") {
			if m = strings.TrimSpace(m); m != "" {
				u.Methods = append(u.Methods, m)
			}
		}
	}
	return u
}

// String is the inverse of ParseURI.
func (u URI) String() string {
	version := u.Version
	if version == 0 {
		version = protocolVersion
	}
	params := []string{
		"symKey=" + url.QueryEscape(u.SymKey),
		"relay-protocol=" + url.QueryEscape(u.Relay.Protocol),
	}
	if u.Relay.Data != "" {
		params = append(params, "relay-data="+url.QueryEscape(u.Relay.Data))
	}
	if u.ExpiryTimestamp > 0 {
		params = append(params, "expiryTimestamp="+strconv.FormatInt(u.ExpiryTimestamp, 10))
	}
	if len(u.Methods) > 0 {
		params = append(params, "methods="+url.QueryEscape("["+strings.Join(u.Methods, ",")+"]"))
	}
	return uriScheme + u.Topic + "@" + strconv.Itoa(version) + "?" + strings.Join(params, "&")
}
