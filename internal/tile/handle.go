package tile

import (
	"errors"
	"sync"
)

var ErrUngenerated = errors.New("tile has not been generated")

// Record is the persistent form of a Handle.
type Record struct {
	Timestamp      Timestamp
	DirtyTimestamp Timestamp
	Payload        []byte
}

// Handle is the in-memory, compressed representation of one tile.
//
// The reader/writer lock guards the payload and serializes generations.
// Timestamp and dirty timestamp are additionally guarded by a small state
// mutex so they can be read and marked without taking the tile lock.
type Handle struct {
	pos      Pos
	codec    *Codec
	onChange func(Pos)

	lock    rwLock
	payload []byte

	stateMu   sync.Mutex
	timestamp Timestamp
	dirty     Timestamp
}

// NewHandle returns an ungenerated handle. onChange, if non-nil, is invoked
// whenever the persistent state of the handle changes.
func NewHandle(pos Pos, codec *Codec, onChange func(Pos)) *Handle {
	h := &Handle{
		pos:       pos,
		codec:     codec,
		onChange:  onChange,
		timestamp: Ungenerated,
		dirty:     NotDirty,
	}
	h.lock.init()
	return h
}

func (h *Handle) Pos() Pos { return h.pos }

func (h *Handle) Lock()      { h.lock.Lock() }
func (h *Handle) Unlock()    { h.lock.Unlock() }
func (h *Handle) RLock()     { h.lock.RLock() }
func (h *Handle) RUnlock()   { h.lock.RUnlock() }
func (h *Handle) Downgrade() { h.lock.Downgrade() }

func (h *Handle) Timestamp() Timestamp {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.timestamp
}

func (h *Handle) DirtyTimestamp() Timestamp {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.dirty
}

// IsGenerated reports whether the tile holds data at least as good as a
// direct rough generation at its own level.
func (h *Handle) IsGenerated() bool {
	return h.Timestamp() >= RoughCompleteAt(h.pos.Level)
}

// IsAccurate reports whether the tile is free of approximation error.
func (h *Handle) IsAccurate() bool {
	return h.Timestamp() >= RoughComplete
}

// IsDirty reports whether a newer version has been requested.
func (h *Handle) IsDirty() bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.dirty > h.timestamp
}

// Set replaces the tile contents if ts is newer than the current timestamp
// and reports whether it did. The caller must hold the write lock.
func (h *Handle) Set(ts Timestamp, d *Data) (bool, error) {
	if d == nil {
		return false, errors.New("tile: Set with nil data")
	}
	if ts == Ungenerated {
		return false, errors.New("tile: Set with ungenerated timestamp")
	}
	if ts <= h.Timestamp() {
		return false, nil
	}

	payload := h.codec.Encode(d)

	h.stateMu.Lock()
	h.payload = payload
	h.timestamp = ts
	if h.dirty <= ts {
		h.dirty = NotDirty
	}
	h.stateMu.Unlock()

	h.changed()
	return true, nil
}

// Inflate decodes the payload into a buffer taken from pool. The caller must
// hold a read or write lock and return the buffer to pool.
func (h *Handle) Inflate(pool *Pool) (*Data, error) {
	if h.Timestamp() == Ungenerated {
		return nil, ErrUngenerated
	}
	d := pool.Get()
	if err := h.codec.Decode(h.payload, d); err != nil {
		pool.Put(d)
		return nil, err
	}
	return d, nil
}

// MarkDirty records that a version ts is wanted. It returns false if the
// tile is already at least that new or a newer version was already marked.
func (h *Handle) MarkDirty(ts Timestamp) bool {
	h.stateMu.Lock()
	if ts <= h.timestamp || ts <= h.dirty {
		h.stateMu.Unlock()
		return false
	}
	h.dirty = ts
	h.stateMu.Unlock()

	h.changed()
	return true
}

// Record returns a consistent snapshot for persistence.
func (h *Handle) Record() Record {
	h.RLock()
	defer h.RUnlock()

	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return Record{
		Timestamp:      h.timestamp,
		DirtyTimestamp: h.dirty,
		Payload:        h.payload,
	}
}

// Restore loads persisted state into a freshly created handle.
func (h *Handle) Restore(r Record) {
	h.Lock()
	defer h.Unlock()

	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.payload = r.Payload
	h.timestamp = r.Timestamp
	h.dirty = r.DirtyTimestamp
	if h.payload == nil {
		h.timestamp = Ungenerated
	}
	if h.dirty <= h.timestamp {
		h.dirty = NotDirty
	}
}

func (h *Handle) changed() {
	if h.onChange != nil {
		h.onChange(h.pos)
	}
}
