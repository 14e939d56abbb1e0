package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "2.0"

const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeUnsupportedMethod = 10001
)

var ErrInvalidPayload = errors.New("invalid json-rpc payload")

type Request struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

func NewRequest(method string, params any) (Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, err
	}
	return Request{ID: NewID(), JSONRPC: Version, Method: method, Params: raw}, nil
}

func NewResult(id int64, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: id, JSONRPC: Version, Result: raw}, nil
}

func NewError(id int64, code int, message string) Response {
	return Response{ID: id, JSONRPC: Version, Error: &ErrorObject{Code: code, Message: message}}
}

// UnsupportedMethod is the error returned for wc_ methods nobody handles.
func UnsupportedMethod(id int64, method string) Response {
	return NewError(id, CodeUnsupportedMethod, "Unsupported wc_ method. "+method)
}

// DecodePayload classifies data as a request or a response; exactly one result is non-nil.
func DecodePayload(data []byte) (*Request, *Response, error) {
	var envelope struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *ErrorObject    `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if envelope.ID == nil {
		return nil, nil, fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if envelope.Method != "" {
		return &Request{ID: *envelope.ID, JSONRPC: Version, Method: envelope.Method, Params: envelope.Params}, nil, nil
	}
	if envelope.Result == nil && envelope.Error == nil {
		return nil, nil, fmt.Errorf("%w: neither method nor result", ErrInvalidPayload)
	}
	return nil, &Response{ID: *envelope.ID, JSONRPC: Version, Result: envelope.Result, Error: envelope.Error}, nil
}

// DecodeResult unmarshals a successful response or returns its error object.
func DecodeResult(resp Response, v any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, v)
}
