package rpc

import (
	"encoding/json"
	"errors"
)

var errInvalidParams = errors.New("invalid params")

// decodeParams accepts either a named params object or a one element array
// wrapping it.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errInvalidParams
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 1 {
			return errInvalidParams
		}
		raw = arr[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errInvalidParams
	}
	return nil
}

// decodeOptionalParams leaves v untouched for absent or null params.
func decodeOptionalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" || string(raw) == "[]" {
		return nil
	}
	return decodeParams(raw, v)
}

type topicParams struct {
	Topic string `json:"topic"`
}

func decodeTopic(raw json.RawMessage) (string, error) {
	var p topicParams
	if err := decodeParams(raw, &p); err != nil || p.Topic == "" {
		var arr []string
		if json.Unmarshal(raw, &arr) == nil && len(arr) == 1 && arr[0] != "" {
			return arr[0], nil
		}
		return "", errInvalidParams
	}
	return p.Topic, nil
}
