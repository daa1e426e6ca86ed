package audiobuf

// Slots is the number of packets accumulated per re-buffering cycle.
const Slots = 3

// Store is the fixed-capacity byte region that holds audio between
// callbacks. Bytes in [emitted, fill) have been written but not yet handed
// out as a chunk.
type Store struct {
	buf      []byte
	slotSize int
	slot     int
	fill     int
	emitted  int
}

// NewStore allocates a store of Slots × slotSize bytes.
func NewStore(slotSize int) *Store {
	return &Store{
		buf:      make([]byte, Slots*slotSize),
		slotSize: slotSize,
	}
}

// Cap returns the store capacity in bytes.
func (s *Store) Cap() int { return len(s.buf) }

// SlotSize returns the configured slot size in bytes.
func (s *Store) SlotSize() int { return s.slotSize }

// Slot returns the index of the slot that receives the next packet.
func (s *Store) Slot() int { return s.slot }

// Free returns the number of bytes the next packet may occupy.
func (s *Store) Free() int { return len(s.buf) - s.fill }

// Pending returns the number of written bytes not yet emitted.
func (s *Store) Pending() int { return s.fill - s.emitted }

func (s *Store) write(p []byte) {
	s.fill += copy(s.buf[s.fill:], p)
}

// next returns the next complete chunk, if one is available, and marks it
// emitted. The slice aliases the store.
func (s *Store) next(chunkSize int) ([]byte, bool) {
	if s.fill-s.emitted < chunkSize {
		return nil, false
	}
	chunk := s.buf[s.emitted : s.emitted+chunkSize : s.emitted+chunkSize]
	s.emitted += chunkSize
	return chunk, true
}

// advance rotates to the next slot. Completing a cycle moves the partial
// chunk, if any, to offset zero.
func (s *Store) advance() {
	s.slot = (s.slot + 1) % Slots
	if s.slot != 0 {
		return
	}
	n := copy(s.buf, s.buf[s.emitted:s.fill])
	s.fill = n
	s.emitted = 0
}

// resize reallocates the store for a new slot size, keeping pending bytes
// and starting a new cycle.
func (s *Store) resize(slotSize int) {
	buf := make([]byte, Slots*slotSize)
	n := copy(buf, s.buf[s.emitted:s.fill])
	s.buf = buf
	s.slotSize = slotSize
	s.slot = 0
	s.fill = n
	s.emitted = 0
}
