package schsm11

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/thales-e-security/pool"
)

// SlotID identifies a slot, library-assigned and monotonic (spec.md §3).
type SlotID uint64

// Slot binds one reader name to a stable id (spec.md §3). Every mutable
// field except present, closed, queuing and next is guarded by mu; that
// additional discipline is documented next to each field.
type Slot struct {
	id SlotID

	mu sync.Mutex // L_slot

	readerName string
	handle     ReaderHandle // "none" (nil) when disconnected
	features   ReaderFeatures

	// present is updated only under the slot-pool lock by Update's
	// enumeration pass.
	present pool.AtomicBool
	// closed is monotonic: once true the slot only awaits destruction.
	closed pool.AtomicBool
	// queuing pins the slot against destruction between pool-lookup and
	// lock acquisition (spec.md §5).
	queuing atomic.Int64

	sessionCount       uint
	readOnlySessionCnt uint

	token *Token

	next *Slot
}

// SlotPool is the pool of known slots, one per live reader plus any slot
// still draining queued lookups after its reader disappeared (spec.md
// §4.1).
type SlotPool struct {
	transport Transport

	mu       sync.Mutex // L_slot_pool
	head     *Slot
	nextID   SlotID
	updating pool.AtomicBool // single-flight guard for Update
}

// NewSlotPool wires a SlotPool to a reader transport. It does not
// enumerate readers; call Update for that.
func NewSlotPool(transport Transport) *SlotPool {
	return &SlotPool{transport: transport, nextID: 1}
}

// Enumerate lists slot ids, optionally restricted to slots currently
// holding a token (spec.md §4.1).
func (p *SlotPool) Enumerate(tokenPresent bool) []SlotID {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []SlotID
	for s := p.head; s != nil; s = s.next {
		if s.closed.Get() {
			continue
		}
		if tokenPresent && s.token == nil {
			continue
		}
		out = append(out, s.id)
	}
	return out
}

// SlotInfo is the descriptive information returned by GetInfo (spec.md §4.1).
type SlotInfo struct {
	ReaderName      string
	TokenPresent    bool
	DirectPINVerify bool
}

// GetInfo returns the reader descriptor and capability flags for slotID.
func (p *SlotPool) GetInfo(slotID SlotID) (SlotInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(slotID)
	if s == nil || s.closed.Get() {
		return SlotInfo{}, newErr(ErrSlotIDInvalid)
	}
	return SlotInfo{
		ReaderName:      s.readerName,
		TokenPresent:    s.token != nil,
		DirectPINVerify: s.features.DirectPINVerifyControlCode != 0,
	}, nil
}

// find must be called with p.mu held.
func (p *SlotPool) find(id SlotID) *Slot {
	for s := p.head; s != nil; s = s.next {
		if s.id == id {
			return s
		}
	}
	return nil
}

// Update reconciles the pool against the live reader list (spec.md
// §4.1). It is single-flight: a second caller observes the in-progress
// flag and returns immediately, under the assumption a fresh enumeration
// just completed.
func (p *SlotPool) Update() error {
	if !p.updating.Get() {
		p.mu.Lock()
		if p.updating.Get() {
			p.mu.Unlock()
			return nil
		}
		p.updating.Set(true)
		p.mu.Unlock()
	} else {
		return nil
	}
	defer p.updating.Set(false)

	names, err := p.transport.ListReaders()
	if err != nil {
		// Transport failure during probing does not poison the pool.
		return &CKError{Kind: ErrDeviceError, Cause: errors.WithMessage(err, "list readers")}
	}

	p.mu.Lock()
	for s := p.head; s != nil; s = s.next {
		s.present.Set(false)
	}

	for _, name := range names {
		if s := p.findByNameLocked(name); s != nil {
			s.present.Set(true)
			continue
		}
		p.addSlotLocked(name)
	}
	stale := p.collectAbsentLocked()
	p.mu.Unlock()

	for _, s := range stale {
		p.destroySlot(s)
	}
	return nil
}

// findByNameLocked requires p.mu held.
func (p *SlotPool) findByNameLocked(name string) *Slot {
	for s := p.head; s != nil; s = s.next {
		if !s.closed.Get() && s.readerName == name {
			return s
		}
	}
	return nil
}

// addSlotLocked requires p.mu held.
func (p *SlotPool) addSlotLocked(name string) *Slot {
	s := &Slot{
		id:         p.nextID,
		readerName: name,
		next:       p.head,
	}
	s.present.Set(true)
	p.nextID++
	p.head = s
	return s
}

// collectAbsentLocked marks every slot with present==false as closed and
// returns those with queuing==0, ready for destruction outside the pool
// lock (spec.md §4.1 step 4, §5).
func (p *SlotPool) collectAbsentLocked() []*Slot {
	var stale []*Slot
	for s := p.head; s != nil; s = s.next {
		if s.present.Get() || s.closed.Get() {
			continue
		}
		s.closed.Set(true)
		if s.queuing.Load() > 0 {
			// A thread is between pool-lookup and lock acquisition;
			// defer destruction to the next pass (spec.md §5).
			continue
		}
		stale = append(stale, s)
	}
	return stale
}

// destroySlot frees the token and reader handle and unlinks s from the
// pool. It acquires s.mu to serialise with any thread already holding
// the lock (which will observe closed==true and back out).
func (p *SlotPool) destroySlot(s *Slot) {
	s.mu.Lock()
	if s.token != nil {
		s.token = nil
	}
	if s.handle != nil {
		_ = s.handle.Disconnect()
		s.handle = nil
	}
	s.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if s.queuing.Load() > 0 {
		// Lost the race: a lookup arrived after collectAbsentLocked ran.
		// Leave it for the next Update pass.
		return
	}
	p.unlinkLocked(s)
}

// unlinkLocked requires p.mu held.
func (p *SlotPool) unlinkLocked(s *Slot) {
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

// lockedSlot is the scope-guard returned by FindAndLock: the only handle
// through which slot internals may be read or written. Go has no
// reentrant mutex, so every helper that needs the slot lock takes a
// *lockedSlot instead of locking again (spec.md §9).
type lockedSlot struct {
	pool *SlotPool
	slot *Slot
}

// release must be deferred by every caller of FindAndLock.
func (lk *lockedSlot) release() {
	lk.slot.mu.Unlock()
}

// FindAndLock is the canonical entry point for slot-scoped operations
// (spec.md §4.1). It implements the reference-count protocol of spec.md
// §5: pin the slot under the pool lock, release the pool lock, then
// block on the slot lock; if the slot turned out to be closed, report
// "device removed" with the counters balanced.
func (p *SlotPool) FindAndLock(slotID SlotID) (*lockedSlot, error) {
	p.mu.Lock()
	s := p.find(slotID)
	if s == nil {
		p.mu.Unlock()
		return nil, newErr(ErrSlotIDInvalid)
	}
	s.queuing.Add(1)
	p.mu.Unlock()

	s.mu.Lock()
	s.queuing.Add(-1)

	if s.closed.Get() {
		s.mu.Unlock()
		return nil, newErr(ErrDeviceRemoved)
	}
	return &lockedSlot{pool: p, slot: s}, nil
}

// --- lockedSlot accessors, used by session/token/object/template code ---

func (lk *lockedSlot) id() SlotID               { return lk.slot.id }
func (lk *lockedSlot) token() *Token             { return lk.slot.token }
func (lk *lockedSlot) setToken(t *Token)         { lk.slot.token = t }
func (lk *lockedSlot) readerName() string        { return lk.slot.readerName }
func (lk *lockedSlot) features() ReaderFeatures  { return lk.slot.features }
func (lk *lockedSlot) handle() ReaderHandle      { return lk.slot.handle }

func (lk *lockedSlot) incSessionCount(readOnly bool) {
	lk.slot.sessionCount++
	if readOnly {
		lk.slot.readOnlySessionCnt++
	}
}

func (lk *lockedSlot) decSessionCount(readOnly bool) {
	lk.slot.sessionCount--
	if readOnly {
		lk.slot.readOnlySessionCnt--
	}
}

func (lk *lockedSlot) sessionCount() uint       { return lk.slot.sessionCount }
func (lk *lockedSlot) readOnlySessionCount() uint { return lk.slot.readOnlySessionCnt }

// hasReadOnlySession reports whether any read-only session currently
// exists on this slot (used by officer-login preconditions, spec.md §4.4).
func (lk *lockedSlot) hasReadOnlySession() bool { return lk.slot.readOnlySessionCnt > 0 }

// ensureConnected connects the reader handle on first use.
func (lk *lockedSlot) ensureConnected() error {
	if lk.slot.handle != nil {
		return nil
	}
	h, err := lk.pool.transport.Connect(lk.slot.readerName)
	if err != nil {
		switch lk.pool.transport.Classify(err) {
		case TransportReaderGone:
			return newErr(ErrDeviceRemoved)
		case TransportNoCard, TransportCardRemoved:
			return newErr(ErrTokenNotPresent)
		default:
			return &CKError{Kind: ErrDeviceError, Cause: err}
		}
	}
	lk.slot.handle = h
	return nil
}

// transmitAPDU sends one APDU and splits off the status word (spec.md
// §4.7). Must be called with the slot lock held, which is guaranteed by
// lockedSlot's existence.
func (lk *lockedSlot) transmitAPDU(cla, ins, p1, p2 byte, out []byte, expected int) ([]byte, uint16, error) {
	if err := lk.ensureConnected(); err != nil {
		return nil, 0, err
	}
	apdu := encodeAPDU(cla, ins, p1, p2, out, expected)
	resp, err := lk.slot.handle.Transmit(apdu)
	if err != nil {
		status := lk.pool.transport.Classify(err)
		switch status {
		case TransportCardRemoved:
			lk.slot.token = nil
			return nil, 0, newErr(ErrTokenNotPresent)
		case TransportReaderGone:
			return nil, 0, newErr(ErrDeviceRemoved)
		default:
			return nil, 0, &CKError{Kind: ErrDeviceError, Cause: err}
		}
	}
	data, sw, err := splitStatus(resp)
	if err != nil {
		return nil, 0, &CKError{Kind: ErrDeviceError, Cause: err}
	}
	return data, sw, nil
}
