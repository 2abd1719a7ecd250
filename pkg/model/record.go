package model

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

// IDSize is the length of a record id in bytes.
const IDSize = 32

var (
	ErrBadID        = errors.New("model: bad record id")
	ErrIDMismatch   = errors.New("model: record id does not match content")
	ErrBadTimestamp = errors.New("model: negative created_at")
)

// ID is the sha256 content address of a record.
type ID [IDSize]byte

func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != 2*IDSize {
		return id, fmt.Errorf("%w: length %d", ErrBadID, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %v", ErrBadID, err)
	}
	return id, nil
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short is a log-friendly prefix of the hex id.
func (id ID) Short() string { return hex.EncodeToString(id[:4]) }

func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }

func (id ID) MarshalText() ([]byte, error) {
	out := make([]byte, 2*IDSize)
	hex.Encode(out, id[:])
	return out, nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Record is an immutable signed event in the nostr wire shape.
// Signatures are carried but not checked here.
type Record struct {
	ID        ID
	PubKey    string
	CreatedAt int64
	Kind      int
	Tags      [][]string
	Content   string
	Sig       string
}

// NewRecord builds a record and stamps its content id.
func NewRecord(pubkey string, createdAt int64, kind int, tags [][]string, content string) (*Record, error) {
	if createdAt < 0 {
		return nil, ErrBadTimestamp
	}
	r := &Record{
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	r.ID = r.ComputeID()
	return r, nil
}

// FromEvent converts a nostr event without checking its id.
func FromEvent(ev *nostr.Event) (*Record, error) {
	id, err := ParseID(ev.ID)
	if err != nil {
		return nil, err
	}
	tags := make([][]string, len(ev.Tags))
	for i, t := range ev.Tags {
		tags[i] = []string(t)
	}
	return &Record{
		ID:        id,
		PubKey:    ev.PubKey,
		CreatedAt: int64(ev.CreatedAt),
		Kind:      ev.Kind,
		Tags:      tags,
		Content:   ev.Content,
		Sig:       ev.Sig,
	}, nil
}

// Event is the nostr form of r.
func (r *Record) Event() nostr.Event {
	tags := make(nostr.Tags, len(r.Tags))
	for i, t := range r.Tags {
		tags[i] = nostr.Tag(t)
	}
	return nostr.Event{
		ID:        r.ID.String(),
		PubKey:    r.PubKey,
		CreatedAt: nostr.Timestamp(r.CreatedAt),
		Kind:      r.Kind,
		Tags:      tags,
		Content:   r.Content,
		Sig:       r.Sig,
	}
}

// ComputeID hashes the NIP-01 serialization
// [0, pubkey, created_at, kind, tags, content].
func (r *Record) ComputeID() ID {
	ev := r.Event()
	var id ID
	// GetID always yields 64 hex chars.
	_, _ = hex.Decode(id[:], []byte(ev.GetID()))
	return id
}

// Validate checks the id against the content.
func (r *Record) Validate() error {
	if r.CreatedAt < 0 {
		return ErrBadTimestamp
	}
	ev := r.Event()
	if !ev.CheckID() {
		return fmt.Errorf("%w: have %s want %s", ErrIDMismatch, r.ID.Short(), r.ComputeID().Short())
	}
	return nil
}

func (r *Record) Item() Item {
	return Item{Timestamp: uint64(r.CreatedAt), ID: r.ID}
}

func (r *Record) Marshal() ([]byte, error) {
	return r.Event().MarshalJSON()
}

func (r *Record) MarshalJSON() ([]byte, error) { return r.Marshal() }

func (r *Record) UnmarshalJSON(b []byte) error {
	var ev nostr.Event
	if err := ev.UnmarshalJSON(b); err != nil {
		return err
	}
	rec, err := FromEvent(&ev)
	if err != nil {
		return err
	}
	*r = *rec
	return nil
}

// UnmarshalRecord decodes and validates a serialized record.
func UnmarshalRecord(b []byte) (*Record, error) {
	var r Record
	if err := r.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Item is the reconciliation key of a record.
type Item struct {
	Timestamp uint64
	ID        ID
}

// Compare orders items by (Timestamp, ID).
func (it Item) Compare(other Item) int {
	switch {
	case it.Timestamp < other.Timestamp:
		return -1
	case it.Timestamp > other.Timestamp:
		return 1
	}
	return it.ID.Compare(other.ID)
}

func SortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Compare(items[j]) < 0 })
}
