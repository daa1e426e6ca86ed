package audiobuf

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Sentinel errors returned by the re-bufferer.
var (
	ErrAudioOverflow   = errors.New("audiobuf: audio packet overflow")
	ErrInvalidGeometry = errors.New("audiobuf: invalid buffer geometry")
)

// OverflowError reports a packet that does not fit in the store. The packet
// is rejected and the store is left untouched.
type OverflowError struct {
	Slot   int
	Length int
	Free   int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("audiobuf: packet of %d bytes exceeds %d free bytes at slot %d",
		e.Length, e.Free, e.Slot)
}

func (e *OverflowError) Unwrap() error {
	return ErrAudioOverflow
}

// Stats is a snapshot of re-bufferer counters. It is safe to take from any
// goroutine.
type Stats struct {
	Packets   int64 `json:"packets"`
	Chunks    int64 `json:"chunks"`
	BytesIn   int64 `json:"bytesIn"`
	BytesOut  int64 `json:"bytesOut"`
	Overflows int64 `json:"overflows"`
}

// Rebufferer turns variable-length audio packets into fixed-size chunks.
type Rebufferer struct {
	store     *Store
	chunkSize int
	emit      func(chunk []byte)

	packets   atomic.Int64
	chunks    atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	overflows atomic.Int64
}

// New creates a Rebufferer that calls emit once per complete chunk. The
// chunk passed to emit aliases the store and must not be retained after
// emit returns.
func New(chunkSize, slotSize int, emit func(chunk []byte)) (*Rebufferer, error) {
	if err := checkGeometry(chunkSize, slotSize); err != nil {
		return nil, err
	}
	if emit == nil {
		emit = func([]byte) {}
	}
	return &Rebufferer{
		store:     NewStore(slotSize),
		chunkSize: chunkSize,
		emit:      emit,
	}, nil
}

func checkGeometry(chunkSize, slotSize int) error {
	if chunkSize <= 0 || slotSize <= 0 {
		return fmt.Errorf("%w: chunk %d, slot %d", ErrInvalidGeometry, chunkSize, slotSize)
	}
	if (Slots*slotSize)%chunkSize != 0 {
		return fmt.Errorf("%w: %d slots of %d bytes is not a multiple of %d-byte chunks",
			ErrInvalidGeometry, Slots, slotSize, chunkSize)
	}
	return nil
}

// ChunkSize returns the fixed chunk length in bytes.
func (r *Rebufferer) ChunkSize() int { return r.chunkSize }

// SlotSize returns the current slot size in bytes.
func (r *Rebufferer) SlotSize() int { return r.store.SlotSize() }

// Slot returns the slot that receives the next packet. Only meaningful on
// the delivery goroutine.
func (r *Rebufferer) Slot() int { return r.store.Slot() }

// Pending returns the bytes buffered but not yet emitted. Only meaningful
// on the delivery goroutine.
func (r *Rebufferer) Pending() int { return r.store.Pending() }

// Ingest copies one packet into the store, emits every chunk it completes,
// and rotates to the next slot.
func (r *Rebufferer) Ingest(p []byte) error {
	if free := r.store.Free(); len(p) > free {
		r.overflows.Add(1)
		return &OverflowError{Slot: r.store.Slot(), Length: len(p), Free: free}
	}

	r.store.write(p)
	r.packets.Add(1)
	r.bytesIn.Add(int64(len(p)))

	for {
		chunk, ok := r.store.next(r.chunkSize)
		if !ok {
			break
		}
		r.emit(chunk)
		r.chunks.Add(1)
		r.bytesOut.Add(int64(len(chunk)))
	}

	r.store.advance()
	return nil
}

// Resize switches to a new slot size, keeping buffered bytes. Pending bytes
// are always less than one chunk, so any valid geometry can hold them. It
// must be called on the delivery goroutine.
func (r *Rebufferer) Resize(slotSize int) error {
	if err := checkGeometry(r.chunkSize, slotSize); err != nil {
		return err
	}
	if slotSize == r.store.SlotSize() {
		return nil
	}
	r.store.resize(slotSize)
	return nil
}

// Stats returns the current counters.
func (r *Rebufferer) Stats() Stats {
	return Stats{
		Packets:   r.packets.Load(),
		Chunks:    r.chunks.Load(),
		BytesIn:   r.bytesIn.Load(),
		BytesOut:  r.bytesOut.Load(),
		Overflows: r.overflows.Load(),
	}
}

// SlotSizeFor picks a slot size for packets between minPacket and maxPacket
// bytes. Constant packets whose cycle is already a chunk multiple use the
// packet size. Otherwise the store is sized for three maximal packets plus
// one chunk of carry, rounded so the capacity is a whole number of chunks.
func SlotSizeFor(minPacket, maxPacket, chunkSize int) int {
	if chunkSize <= 0 || maxPacket <= 0 {
		return 0
	}
	if minPacket == maxPacket && (Slots*maxPacket)%chunkSize == 0 {
		return maxPacket
	}
	unit := chunkSize
	if chunkSize%Slots != 0 {
		unit = chunkSize * Slots
	}
	need := Slots*maxPacket + chunkSize
	total := (need + unit - 1) / unit * unit
	return total / Slots
}
