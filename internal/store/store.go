// Package store is the bounded buffer of in-flight messages. Entries are
// kept in insertion order and evicted strictly oldest-first when the buffer
// is full; expiry is recorded but never swept.
//
// A Store is not safe for concurrent use. The DTN session mutates it only
// from handlers running on its event loop.
package store

import (
	"container/list"
	"errors"
	"math"
	"time"

	"spraydtn/internal/proto"
)

const DefaultCapacity = 5

var ErrDuplicate = errors.New("message already stored")

type Entry struct {
	Key proto.Key
	// Packet is the full header+payload as first seen. Its header copy
	// count is stale once Copies changes; re-encode before sending.
	Packet    []byte
	Copies    uint16
	Delivered bool
	ExpiresAt time.Time
}

func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Header decodes the stored packet header with the live copy count.
func (e Entry) Header() proto.Header {
	h, _, _ := proto.Decode(e.Packet)
	h.Copies = e.Copies
	return h
}

func (e Entry) Payload() []byte {
	if len(e.Packet) < proto.HeaderSize {
		return nil
	}
	return e.Packet[proto.HeaderSize:]
}

type Store struct {
	cap   int
	items map[proto.Key]*list.Element
	order *list.List
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		cap:   capacity,
		items: make(map[proto.Key]*list.Element, capacity),
		order: list.New(),
	}
}

// DefaultLifetime is how long a message is expected to stay useful: enough
// spray rounds for log2(capacity) halvings, twice over.
func DefaultLifetime(sprayInterval time.Duration, capacity int) time.Duration {
	if capacity < 2 {
		capacity = 2
	}
	rounds := 2 * math.Log2(float64(capacity))
	return time.Duration(float64(sprayInterval) * rounds)
}

func (s *Store) Len() int { return s.order.Len() }
func (s *Store) Cap() int { return s.cap }
func (s *Store) Full() bool { return s.order.Len() >= s.cap }

func (s *Store) Lookup(key proto.Key) (Entry, bool) {
	el, ok := s.items[key]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*Entry), true
}

// Insert appends e as the newest entry, evicting the oldest first when the
// store is full. The store keeps its own copy of e.Packet.
func (s *Store) Insert(e Entry) (*Entry, error) {
	if _, ok := s.items[e.Key]; ok {
		return nil, ErrDuplicate
	}
	var evicted *Entry
	if s.order.Len() >= s.cap {
		front := s.order.Front()
		old := front.Value.(*Entry)
		delete(s.items, old.Key)
		s.order.Remove(front)
		evicted = old
	}
	ent := e
	ent.Packet = append([]byte(nil), e.Packet...)
	s.items[ent.Key] = s.order.PushBack(&ent)
	return evicted, nil
}

// All returns the entries oldest to newest.
func (s *Store) All() []Entry {
	out := make([]Entry, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

func (s *Store) SetCopies(key proto.Key, copies uint16) bool {
	ent, ok := s.entry(key)
	if !ok {
		return false
	}
	ent.Copies = copies
	return true
}

// AddCopies adds delta to the entry's budget, saturating at max. Delivered
// entries never regain copies; ok is false for them and for unknown keys.
func (s *Store) AddCopies(key proto.Key, delta uint16, max uint16) (uint16, bool) {
	ent, ok := s.entry(key)
	if !ok || ent.Delivered {
		return 0, false
	}
	n := int(ent.Copies) + int(delta)
	if n > int(max) {
		n = int(max)
	}
	ent.Copies = uint16(n)
	return ent.Copies, true
}

// MarkDelivered zeroes the budget and makes the entry terminal.
func (s *Store) MarkDelivered(key proto.Key) bool {
	ent, ok := s.entry(key)
	if !ok {
		return false
	}
	ent.Copies = 0
	ent.Delivered = true
	return true
}

// Expired counts entries past their deadline. They still suppress
// duplicates until evicted.
func (s *Store) Expired(now time.Time) int {
	n := 0
	for el := s.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*Entry).Expired(now) {
			n++
		}
	}
	return n
}

func (s *Store) entry(key proto.Key) (*Entry, bool) {
	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*Entry), true
}
