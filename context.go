package schsm11

import (
	"sync"

	"github.com/pkg/errors"
)

// LibraryInfo is the descriptive information a host application queries
// before doing anything else (spec.md §2 "library version/info").
type LibraryInfo struct {
	ManufacturerID string
	Description    string
	VersionMajor   byte
	VersionMinor   byte
}

// defaultLibraryInfo is fixed at build time; nothing in the core ever
// changes it at runtime.
var defaultLibraryInfo = LibraryInfo{
	ManufacturerID: "CardContact Systems GmbH",
	Description:    "SmartCard-HSM cryptoki provider",
	VersionMajor:   1,
	VersionMinor:   0,
}

// Context is the process-wide singleton: the slot pool, the session
// pool, the template engine, and the library's descriptive info (spec.md
// §2 "Process context"). Every session/slot-scoped operation in this
// package is a method on *Context.
type Context struct {
	info LibraryInfo

	slots    *SlotPool
	sessions *SessionPool
	engine   *Engine
}

var (
	singletonMu sync.Mutex
	singleton   *Context
)

// Initialize establishes the process-wide Context against transport,
// failing if one is already live (spec.md §2: exactly one live instance
// per process). Mirrors the teacher's own "already initialized" guard in
// crypto11.Configure.
func Initialize(transport Transport) (*Context, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		return nil, newErr(ErrArgumentsBad)
	}
	ctx := &Context{
		info:     defaultLibraryInfo,
		slots:    NewSlotPool(transport),
		sessions: NewSessionPool(),
		engine:   NewEngine(),
	}
	if err := ctx.slots.Update(); err != nil {
		return nil, errors.WithMessage(err, "initial slot enumeration")
	}
	singleton = ctx
	return ctx, nil
}

// Finalize tears down the process-wide Context, closing every open
// session first (spec.md §2/§4.2).
func Finalize(ctx *Context) error {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != ctx {
		return newErr(ErrNotInitialized)
	}
	for _, id := range ctx.slots.Enumerate(false) {
		_ = ctx.CloseAllSessions(id)
	}
	singleton = nil
	return nil
}

// GetInfo returns the library's descriptive information (spec.md §2,
// supplemented per SPEC_FULL.md §2 "GetInfo/GetSlotInfo/GetTokenInfo
// descriptive fields").
func (ctx *Context) GetInfo() LibraryInfo {
	return ctx.info
}

// GetSlotList re-enumerates readers and returns the resulting slot ids,
// optionally restricted to those with a token present (spec.md §4.1).
func (ctx *Context) GetSlotList(tokenPresent bool) ([]SlotID, error) {
	if err := ctx.slots.Update(); err != nil {
		return nil, err
	}
	return ctx.slots.Enumerate(tokenPresent), nil
}

// GetSlotInfo returns the reader descriptor for slotID (spec.md §4.1).
func (ctx *Context) GetSlotInfo(slotID SlotID) (SlotInfo, error) {
	return ctx.slots.GetInfo(slotID)
}

// TokenInfo is the descriptive snapshot returned by GetTokenInfo,
// supplementing spec.md §3's Token fields with the manufacturer/model
// strings a host typically surfaces (SPEC_FULL.md §2).
type TokenInfo struct {
	Label             string
	Serial            string
	ManufacturerID    string
	Model             string
	PINInitialized    bool
	ProtectedAuthPath bool
	UserType          UserType
	MaxSessionCount   uint
}

// GetTokenInfo reports the token state of slotID (spec.md §4.1/§4.4,
// supplemented fields per SPEC_FULL.md §2).
func (ctx *Context) GetTokenInfo(slotID SlotID) (TokenInfo, error) {
	lk, err := ctx.slots.FindAndLock(slotID)
	if err != nil {
		return TokenInfo{}, err
	}
	defer lk.release()

	t, err := recognizeToken(lk)
	if err != nil {
		return TokenInfo{}, err
	}
	return TokenInfo{
		Label:             t.Label,
		Serial:            t.Serial,
		ManufacturerID:    "CardContact Systems GmbH",
		Model:             "SmartCard-HSM",
		PINInitialized:    t.PINInitialized,
		ProtectedAuthPath: t.ProtectedAuthPath,
		UserType:          t.UserType,
		MaxSessionCount:   0, // unbounded; the card enforces no session cap
	}, nil
}

// OpenSession opens a session against slotID (spec.md §4.2). The
// returned id is also wired into the slot's session counters.
func (ctx *Context) OpenSession(slotID SlotID, flags SessionFlags) (SessionID, error) {
	lk, err := ctx.slots.FindAndLock(slotID)
	if err != nil {
		return 0, err
	}
	defer lk.release()

	t, err := recognizeToken(lk)
	if err != nil {
		return 0, err
	}
	if !flags.ReadWrite && t.UserType == UserSecurityOfficer {
		return 0, newErr(ErrSessionReadWriteSOExists)
	}

	id, err := ctx.sessions.Open(slotID, flags)
	if err != nil {
		return 0, err
	}
	lk.incSessionCount(!flags.ReadWrite)
	return id, nil
}

// SessionInfo is the descriptive snapshot returned by GetSessionInfo
// (spec.md §4.2/§4.4).
type SessionInfo struct {
	SlotID SlotID
	Flags  SessionFlags
	State  sessionState
}

// GetSessionInfo reports the current state of sessionID (spec.md §4.4).
func (ctx *Context) GetSessionInfo(sessionID SessionID) (SessionInfo, error) {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	defer ls.release()

	t := ls.slot.token()
	return SessionInfo{
		SlotID: ls.slot.id(),
		Flags:  ls.session.flags,
		State:  computeState(t.UserType, ls.session.flags.ReadWrite),
	}, nil
}

// Sign drives the template engine against label for sessionID's slot
// (spec.md §4.6). hash must be the caller-computed SHA-256 of the data
// to sign; hashing itself is an external collaborator (spec.md §1).
func (ctx *Context) Sign(sessionID SessionID, label string, hash [32]byte) ([]byte, error) {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return nil, err
	}
	defer ls.release()

	t := ls.slot.token()
	if t.UserType == UserNone {
		return nil, newErr(ErrUserNotLoggedIn)
	}
	return ctx.engine.Sign(ls.slot, label, hash)
}
