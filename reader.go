package schsm11

import (
	"sync"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
)

// TransportStatus classifies the outcome of a transport operation the
// way the core needs to see it (spec.md §2): ok, no card, card removed,
// reader gone, or other.
type TransportStatus int

const (
	TransportOK TransportStatus = iota
	TransportNoCard
	TransportCardRemoved
	TransportReaderGone
	TransportOther
)

// ReaderFeatures reports reader-integrated capabilities the core cares
// about (spec.md §3 "Reader-feature flags").
type ReaderFeatures struct {
	// DirectPINVerifyControlCode is the vendor IOCTL used to ask the
	// reader's own keypad to collect and forward a PIN. Zero means the
	// reader has no such capability.
	DirectPINVerifyControlCode uint32
}

// ReaderHandle is the opaque, reader-scoped connection handle a Transport
// hands back from Connect. A nil/zero value means "none" (disconnected),
// per spec.md §3.
type ReaderHandle interface {
	// Transmit sends a raw APDU and returns the raw response (including
	// the trailing status bytes).
	Transmit(apdu []byte) ([]byte, error)
	// Disconnect releases the reader-scoped handle.
	Disconnect() error
}

// Transport is the reader-transport adapter: an external collaborator
// per spec.md §1/§2. The core only ever calls these four operations.
type Transport interface {
	// ListReaders enumerates the live reader names.
	ListReaders() ([]string, error)
	// Connect opens a reader-scoped handle to the named reader.
	Connect(readerName string) (ReaderHandle, error)
	// Features probes reader-integrated capabilities.
	Features(h ReaderHandle) ReaderFeatures
	// Classify maps a transport-level error to a TransportStatus.
	Classify(err error) TransportStatus
}

// --- PC/SC backed implementation --------------------------------------------

// PCSCTransport implements Transport against a real PC/SC daemon via
// github.com/ebfe/scard, the library the original C sources bind against
// (pcsclite/winscard) and the one the retrieval pack's own smartcard
// tooling uses for the same purpose.
type PCSCTransport struct {
	mu  sync.Mutex
	ctx *scard.Context
}

// NewPCSCTransport establishes a PC/SC context. The context is
// re-created by ListReaders when listing fails on the stale one (Connect
// does not retry), so the transport
// survives a reader-service restart (spec.md §5 "re-created after
// enumeration races").
func NewPCSCTransport() (*PCSCTransport, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "establish PC/SC context")
	}
	return &PCSCTransport{ctx: ctx}, nil
}

func (t *PCSCTransport) ListReaders() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	readers, err := t.ctx.ListReaders()
	if err != nil {
		if err2 := t.reestablish(); err2 == nil {
			readers, err = t.ctx.ListReaders()
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "list readers")
	}
	return readers, nil
}

func (t *PCSCTransport) reestablish() error {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return err
	}
	_ = t.ctx.Release()
	t.ctx = ctx
	return nil
}

type pcscHandle struct {
	card *scard.Card
}

func (h *pcscHandle) Transmit(apdu []byte) ([]byte, error) {
	resp, err := h.card.Transmit(apdu)
	if err != nil {
		return nil, errors.Wrap(err, "transmit APDU")
	}
	return resp, nil
}

func (h *pcscHandle) Disconnect() error {
	return h.card.Disconnect(scard.LeaveCard)
}

func (t *PCSCTransport) Connect(readerName string) (ReaderHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	card, err := t.ctx.Connect(readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to reader %q", readerName)
	}
	return &pcscHandle{card: card}, nil
}

func (t *PCSCTransport) Features(ReaderHandle) ReaderFeatures {
	// Feature probing (CM_IOCTL_GET_FEATURE_REQUEST) is outside what
	// github.com/ebfe/scard exposes; readers with an integrated keypad
	// are reported as capability-less until a vendor IOCTL path is added.
	return ReaderFeatures{}
}

func (t *PCSCTransport) Classify(err error) TransportStatus {
	if err == nil {
		return TransportOK
	}
	cause := errors.Cause(err)
	if scErr, ok := cause.(scard.Error); ok {
		switch scErr {
		case scard.ErrNoSmartcard, scard.ErrRemovedCard:
			return TransportCardRemoved
		case scard.ErrUnknownReader, scard.ErrReaderUnavailable, scard.ErrNoService:
			return TransportReaderGone
		case scard.ErrNoReadersAvailable:
			return TransportReaderGone
		}
	}
	return TransportOther
}

// --- in-memory mock implementation, used by tests ---------------------------

// MockCard models the subset of the on-card behaviour the core drives:
// file storage, PIN state, and signature primitives. Tests configure a
// MockCard's file contents and APDU handler directly.
type MockCard struct {
	mu       sync.Mutex
	Files    map[uint16][]byte
	PIN      []byte
	Attempts int
	Blocked  bool
	// Sign, if set, overrides the canned RSA/ECDSA status for
	// instruction 0x68; it receives (p1 keyFid, p2 mode, data) and
	// returns the raw signature bytes.
	Sign func(keyFid byte, mode byte, data []byte) ([]byte, error)

	removed bool
}

func (m *MockCard) Transmit(apdu []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return nil, errors.New("card removed")
	}
	if len(apdu) < 4 {
		return nil, errors.New("short APDU")
	}
	cla, ins, p1, p2 := apdu[0], apdu[1], apdu[2], apdu[3]
	body := apdu[4:]

	switch {
	case cla == 0x00 && ins == 0xA4:
		return []byte{0x90, 0x00}, nil
	case cla == 0x00 && ins == 0x20:
		return m.verifyPIN(body)
	case cla == 0x80 && ins == 0x58:
		return m.enumerateObjects()
	case cla == 0x00 && ins == 0xB1:
		return m.readFile(p1, p2, body)
	case cla == 0x00 && ins == 0xD7:
		return m.writeFile(p1, p2, body)
	case cla == 0x80 && ins == 0x68:
		return m.sign(p1, p2, body)
	default:
		return []byte{0x6D, 0x00}, nil
	}
}

func (m *MockCard) verifyPIN(body []byte) ([]byte, error) {
	if m.Blocked {
		return []byte{0x69, 0x82}, nil
	}
	// body layout: P2 filtered out already; lc byte + pin, per short APDU.
	if len(body) < 1 {
		return []byte{0x67, 0x00}, nil
	}
	pin := body[1:]
	if string(pin) == string(m.PIN) {
		m.Attempts = 3
		return []byte{0x90, 0x00}, nil
	}
	m.Attempts--
	if m.Attempts <= 0 {
		m.Blocked = true
		return []byte{0x69, 0x82}, nil
	}
	return []byte{0x63, byte(0xC0 | (m.Attempts & 0x0f))}, nil
}

func (m *MockCard) enumerateObjects() ([]byte, error) {
	var out []byte
	for fid := range m.Files {
		hi := byte(fid >> 8)
		switch hi {
		case familyPrivateKeyData, familyPrivateKeyDesc, familyDataObject, familyDataObjectDesc:
			out = append(out, hi, byte(fid))
		}
	}
	out = append(out, 0x90, 0x00)
	return out, nil
}

func (m *MockCard) readFile(p1, p2 byte, body []byte) ([]byte, error) {
	fid := uint16(p1)<<8 | uint16(p2)
	if len(body) < 5 {
		return []byte{0x67, 0x00}, nil
	}
	off := int(body[3])<<8 | int(body[4])
	le := 256
	if len(body) > 5 {
		le = int(body[5])
		if le == 0 {
			le = 256
		}
	}
	data, ok := m.Files[fid]
	if !ok {
		return []byte{0x6A, 0x82}, nil
	}
	if off > len(data) {
		return []byte{0x6A, 0x82}, nil
	}
	end := off + le
	if end > len(data) {
		end = len(data)
	}
	out := append([]byte{}, data[off:end]...)
	out = append(out, 0x90, 0x00)
	return out, nil
}

func (m *MockCard) writeFile(p1, p2 byte, body []byte) ([]byte, error) {
	fid := uint16(p1)<<8 | uint16(p2)
	if len(body) < 7 {
		return []byte{0x67, 0x00}, nil
	}
	off := int(body[3])<<8 | int(body[4])
	n := int(body[6])
	data := body[7:]
	if len(data) < n {
		return []byte{0x67, 0x00}, nil
	}
	buf := m.Files[fid]
	if off+n > len(buf) {
		grown := make([]byte, off+n)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[off:off+n], data[:n])
	m.Files[fid] = buf
	return []byte{0x90, 0x00}, nil
}

func (m *MockCard) sign(p1, p2 byte, body []byte) ([]byte, error) {
	// Strip the Lc/Le framing so Sign sees only the command data field.
	var data []byte
	switch {
	case len(body) >= 3 && body[0] == 0x00: // extended form: 00 Lc1 Lc2
		lc := int(body[1])<<8 | int(body[2])
		if 3+lc > len(body) {
			return []byte{0x67, 0x00}, nil
		}
		data = body[3 : 3+lc]
	case len(body) >= 1: // short form: Lc
		lc := int(body[0])
		if 1+lc > len(body) {
			return []byte{0x67, 0x00}, nil
		}
		data = body[1 : 1+lc]
	}
	if m.Sign != nil {
		sig, err := m.Sign(p1, p2, data)
		if err != nil {
			return nil, err
		}
		return append(sig, 0x90, 0x00), nil
	}
	return []byte{0x6A, 0x88}, nil
}

// Remove simulates the card being pulled from the reader.
func (m *MockCard) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = true
}

// NewMockCard returns a MockCard with a 3-attempt retry counter.
func NewMockCard() *MockCard {
	return &MockCard{Files: map[uint16][]byte{}, Attempts: 3}
}

// MockTransport is an in-process Transport whose reader set and cards are
// configured directly by tests.
type MockTransport struct {
	mu      sync.Mutex
	Readers []string
	Cards   map[string]*MockCard // reader name -> card, absent means no card
}

func NewMockTransport() *MockTransport {
	return &MockTransport{Cards: map[string]*MockCard{}}
}

func (t *MockTransport) ListReaders() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.Readers))
	copy(out, t.Readers)
	return out, nil
}

type mockHandle struct {
	card *MockCard
}

func (h *mockHandle) Transmit(apdu []byte) ([]byte, error) { return h.card.Transmit(apdu) }
func (h *mockHandle) Disconnect() error                    { return nil }

func (t *MockTransport) Connect(readerName string) (ReaderHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	card, ok := t.Cards[readerName]
	if !ok {
		return nil, errors.New("no card present")
	}
	return &mockHandle{card: card}, nil
}

func (t *MockTransport) Features(ReaderHandle) ReaderFeatures {
	return ReaderFeatures{}
}

func (t *MockTransport) Classify(err error) TransportStatus {
	if err == nil {
		return TransportOK
	}
	if err.Error() == "card removed" {
		return TransportCardRemoved
	}
	if err.Error() == "no card present" {
		return TransportNoCard
	}
	return TransportOther
}
