// Package envelope encodes the typed protocol messages exchanged between
// peers as JSON arrays: [type, subscriptionId, ...fields].
package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/juanpablocruz/blesync/pkg/model"
)

type Type string

const (
	TypeNegOpen Type = "NEG-OPEN"
	TypeNegMsg  Type = "NEG-MSG"
	TypeReq     Type = "REQ"
	TypeEvent   Type = "EVENT"
	TypeEOSE    Type = "EOSE"
)

var (
	ErrMalformed    = errors.New("envelope: malformed message")
	ErrUnknownType  = errors.New("envelope: unknown message type")
	ErrMissingField = errors.New("envelope: missing field")
)

// Message is one of NegOpen, NegMsg, Req, Event or EOSE.
type Message interface {
	Type() Type
	Sub() string
}

type (
	// NegOpen starts a reconciliation round.
	NegOpen struct {
		SubID  string
		Digest []byte
	}
	// NegMsg carries a follow-up digest in either direction.
	NegMsg struct {
		SubID  string
		Digest []byte
	}
	// Req asks the peer to send the listed records.
	Req struct {
		SubID string
		IDs   []model.ID
	}
	// Event carries one serialized record.
	Event struct {
		SubID  string
		Record json.RawMessage
	}
	// EOSE tells the peer nothing else is owed right now.
	EOSE struct {
		SubID string
	}
)

func (NegOpen) Type() Type { return TypeNegOpen }
func (NegMsg) Type() Type  { return TypeNegMsg }
func (Req) Type() Type     { return TypeReq }
func (Event) Type() Type   { return TypeEvent }
func (EOSE) Type() Type    { return TypeEOSE }

func (m NegOpen) Sub() string { return m.SubID }
func (m NegMsg) Sub() string  { return m.SubID }
func (m Req) Sub() string     { return m.SubID }
func (m Event) Sub() string   { return m.SubID }
func (m EOSE) Sub() string    { return m.SubID }

// SubscriptionID derives the correlation tag from a peer address.
func SubscriptionID(addr string) string {
	return strings.NewReplacer(":", "", "-", "").Replace(addr)
}

type reqFilter struct {
	IDs []string `json:"ids"`
}

func Encode(m Message) ([]byte, error) {
	var arr []any
	switch v := m.(type) {
	case NegOpen:
		arr = []any{v.Type(), v.SubID, hex.EncodeToString(v.Digest)}
	case NegMsg:
		arr = []any{v.Type(), v.SubID, hex.EncodeToString(v.Digest)}
	case Req:
		ids := make([]string, len(v.IDs))
		for i, id := range v.IDs {
			ids[i] = id.String()
		}
		arr = []any{v.Type(), v.SubID, reqFilter{IDs: ids}}
	case Event:
		if !json.Valid(v.Record) {
			return nil, fmt.Errorf("%w: event record is not json", ErrMalformed)
		}
		arr = []any{v.Type(), v.SubID, v.Record}
	case EOSE:
		arr = []any{v.Type(), v.SubID}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	return json.Marshal(arr)
}

func Decode(b []byte) (Message, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(arr) < 2 {
		return nil, fmt.Errorf("%w: need type and subscription id", ErrMissingField)
	}
	var typ, sub string
	if err := json.Unmarshal(arr[0], &typ); err != nil {
		return nil, fmt.Errorf("%w: type tag: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(arr[1], &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription id: %v", ErrMalformed, err)
	}

	switch Type(typ) {
	case TypeNegOpen:
		// Older devices send [NEG-OPEN, sub, filter, digest].
		field := 2
		if len(arr) >= 4 {
			field = 3
		}
		d, err := digestAt(arr, field)
		if err != nil {
			return nil, err
		}
		return NegOpen{SubID: sub, Digest: d}, nil
	case TypeNegMsg:
		d, err := digestAt(arr, 2)
		if err != nil {
			return nil, err
		}
		return NegMsg{SubID: sub, Digest: d}, nil
	case TypeReq:
		ids, err := idsAt(arr, 2)
		if err != nil {
			return nil, err
		}
		return Req{SubID: sub, IDs: ids}, nil
	case TypeEvent:
		rec, err := recordAt(arr, 2)
		if err != nil {
			return nil, err
		}
		return Event{SubID: sub, Record: rec}, nil
	case TypeEOSE:
		return EOSE{SubID: sub}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func field(arr []json.RawMessage, i int) (json.RawMessage, error) {
	if len(arr) <= i {
		return nil, fmt.Errorf("%w: index %d", ErrMissingField, i)
	}
	return arr[i], nil
}

func digestAt(arr []json.RawMessage, i int) ([]byte, error) {
	raw, err := field(arr, i)
	if err != nil {
		return nil, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: digest: %v", ErrMalformed, err)
	}
	d, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: digest: %v", ErrMalformed, err)
	}
	return d, nil
}

func idsAt(arr []json.RawMessage, i int) ([]model.ID, error) {
	raw, err := field(arr, i)
	if err != nil {
		return nil, err
	}
	raw = unquote(raw)
	var f reqFilter
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrMalformed, err)
	}
	ids := make([]model.ID, 0, len(f.IDs))
	for _, s := range f.IDs {
		id, err := model.ParseID(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func recordAt(arr []json.RawMessage, i int) (json.RawMessage, error) {
	raw, err := field(arr, i)
	if err != nil {
		return nil, err
	}
	raw = unquote(raw)
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: event record", ErrMalformed)
	}
	return trimmed, nil
}

// unquote accepts objects that were embedded as JSON strings.
func unquote(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return raw
	}
	return json.RawMessage(s)
}
