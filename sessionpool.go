package schsm11

import (
	"sync"
	"sync/atomic"
)

// SessionID identifies a session, library-assigned, monotonic, never
// zero (spec.md §3).
type SessionID uint64

// SessionFlags mirror the CKF_SERIAL_SESSION / CKF_RW_SESSION bits of
// the cryptoki contract (spec.md §4.2).
type SessionFlags struct {
	Serial    bool // required; Open rejects flags without it set
	ReadWrite bool
}

// searchState holds the paginated find-objects cursor (spec.md §3, §4.5).
type searchState struct {
	active  bool
	matches []*Object
	cursor  int
}

// accumulator is the coalescing buffer for multi-part cryptographic
// operations (spec.md §3). The core doesn't implement multi-part signing
// itself (sign is single-shot against the template engine) but keeps the
// field so a future C_SignUpdate/C_SignFinal pair has somewhere to live.
type accumulator struct {
	buf []byte
}

// Session is a per-caller view on a slot/token pair (spec.md §3).
type Session struct {
	id     SessionID
	slotID SlotID
	flags  SessionFlags

	queuing atomic.Int64

	objects       []*Object
	nextObjHandle uint64 // starts in a range distinct from token handles

	search searchState
	accum  accumulator

	next *Session
}

// sessionObjectHandleBase keeps session-object handles from overlapping
// token-object handles (spec.md §3).
const sessionObjectHandleBase = 1 << 32

// SessionPool is the pool of open sessions (spec.md §4.2).
type SessionPool struct {
	mu     sync.Mutex // L_session_pool
	head   *Session
	nextID SessionID
}

func NewSessionPool() *SessionPool {
	return &SessionPool{nextID: 1}
}

// Open creates a session against slotID. The serial bit must be set
// (spec.md §4.2).
func (p *SessionPool) Open(slotID SlotID, flags SessionFlags) (SessionID, error) {
	if !flags.Serial {
		return 0, newErr(ErrSessionParallelNotSupported)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &Session{
		id:            p.nextID,
		slotID:        slotID,
		flags:         flags,
		nextObjHandle: sessionObjectHandleBase,
		next:          p.head,
	}
	p.nextID++
	p.head = s
	return s.id, nil
}

// findLocked requires p.mu held.
func (p *SessionPool) findLocked(id SessionID) *Session {
	for s := p.head; s != nil; s = s.next {
		if s.id == id {
			return s
		}
	}
	return nil
}

// unlinkLocked requires p.mu held.
func (p *SessionPool) unlinkLocked(s *Session) {
	if p.head == s {
		p.head = s.next
		return
	}
	for cur := p.head; cur != nil; cur = cur.next {
		if cur.next == s {
			cur.next = s.next
			return
		}
	}
}

// closeLocked requires p.mu held and unlinks s unconditionally.
func (p *SessionPool) closeLocked(s *Session) {
	p.unlinkLocked(s)
}

// FindBySlot returns the first session open against slotID, if any
// (spec.md §4.2; used by token-init and re-enumeration paths).
func (p *SessionPool) FindBySlot(slotID SlotID) (SessionID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := p.head; s != nil; s = s.next {
		if s.slotID == slotID {
			return s.id, true
		}
	}
	return 0, false
}

// countBySlot reports how many sessions (total and read-only) currently
// reference slotID. Only tests call it; they check these counts on the
// pool alone and do not compare them with the slot's mirrored counters.
func (p *SessionPool) countBySlot(slotID SlotID) (total, readOnly uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := p.head; s != nil; s = s.next {
		if s.slotID != slotID {
			continue
		}
		total++
		if !s.flags.ReadWrite {
			readOnly++
		}
	}
	return total, readOnly
}
