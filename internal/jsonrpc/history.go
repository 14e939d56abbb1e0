package jsonrpc

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"wcsign/go-backend/internal/storage"
)

var (
	ErrAlreadyExists    = errors.New("json-rpc record already exists")
	ErrRecordNotFound   = errors.New("json-rpc record not found")
	ErrAlreadyResponded = errors.New("json-rpc record already has a response")
	ErrForeignResponse  = errors.New("json-rpc response does not answer a request of ours on this topic")
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Record is one request seen on a topic plus the response that closed it.
type Record struct {
	ID            int64           `json:"id"`
	Topic         string          `json:"topic"`
	Method        string          `json:"method"`
	Body          json.RawMessage `json:"body"`
	Response      *Response       `json:"response,omitempty"`
	Direction     Direction       `json:"direction"`
	ResponseTopic string          `json:"response_topic,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AnswerTopic is the only topic a response to rec is accepted on. ResponseTopic
// is set when the answer comes back on a topic other than the request topic.
func (rec Record) AnswerTopic() string {
	if rec.ResponseTopic != "" {
		return rec.ResponseTopic
	}
	return rec.Topic
}

// History is the single gate against processing the same request twice.
type History struct {
	table *storage.Table[Record]
	now   func() time.Time
}

func NewHistory(table *storage.Table[Record]) *History {
	if table == nil {
		table = storage.NewTable[Record]()
	}
	return &History{table: table, now: time.Now}
}

func recordKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Insert stores rec unless its id is already known.
func (h *History) Insert(rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = h.now().UTC()
	}
	inserted, err := h.table.Insert(recordKey(rec.ID), rec)
	if err != nil {
		return err
	}
	if !inserted {
		return ErrAlreadyExists
	}
	return nil
}

func (h *History) Exists(id int64) bool {
	_, ok := h.table.Get(recordKey(id))
	return ok
}

func (h *History) Get(id int64) (Record, bool) {
	return h.table.Get(recordKey(id))
}

// SetResponse closes a record. The first response wins; later ones get ErrAlreadyResponded.
func (h *History) SetResponse(id int64, resp Response) error {
	key := recordKey(id)
	return h.table.Update(func(rows map[string]Record) error {
		rec, ok := rows[key]
		if !ok {
			return ErrRecordNotFound
		}
		if rec.Response != nil {
			return ErrAlreadyResponded
		}
		stored := resp
		rec.Response = &stored
		rows[key] = rec
		return nil
	})
}

// clearResponse reopens a record whose answer never left the process.
func (h *History) clearResponse(id int64) error {
	key := recordKey(id)
	return h.table.Update(func(rows map[string]Record) error {
		rec, ok := rows[key]
		if !ok {
			return ErrRecordNotFound
		}
		rec.Response = nil
		rows[key] = rec
		return nil
	})
}

func (h *History) DeleteByTopic(topic string) (int, error) {
	return h.table.DeleteWhere(func(_ string, rec Record) bool {
		return rec.Topic == topic
	})
}

// Prune drops answered records whose request has outlived its relay TTL; the
// relay no longer redelivers them, so they cannot come back as duplicates.
func (h *History) Prune(now time.Time) (int, error) {
	return h.table.DeleteWhere(func(_ string, rec Record) bool {
		if rec.Response == nil {
			return false
		}
		return now.Sub(rec.CreatedAt) > OptsFor(rec.Method).Request.TTL
	})
}

// PendingByTopic lists outbound requests on topic still waiting for a response, oldest first.
func (h *History) PendingByTopic(topic string) []Record {
	out := make([]Record, 0)
	for _, rec := range h.table.Values() {
		if rec.Topic == topic && rec.Direction == DirectionOutbound && rec.Response == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
