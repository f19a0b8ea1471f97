package schsm11

// UserType distinguishes "none" from a freshly zeroed value (spec.md §3).
type UserType int

const (
	UserNone UserType = iota
	UserNormal
	UserSecurityOfficer
)

// Token is the card state once recognised (spec.md §3), owned by its
// slot and destroyed with it or on reset.
type Token struct {
	UserType UserType

	PublicObjects  []*Object
	privateObjects []*Object

	nextHandle uint64 // monotonic, wraps over zero

	// PINInitialized mirrors the card's "user PIN initialised" flag
	// (spec.md §4.4 login precondition).
	PINInitialized bool
	// ProtectedAuthPath reports the card capability flag for
	// reader-integrated PIN entry (spec.md §3, §1 Non-goals: only the
	// capability-advertising path is covered, not the entry flow itself).
	ProtectedAuthPath bool

	Label  string
	Serial string
}

// recognizeToken lazily selects the HSM application and builds the
// slot's Token on first use, mirroring getToken/getPCSCToken in
// slot.c/token.c: recognition happens under the slot lock, on demand,
// rather than during Update's reader-presence pass. A token already
// present is returned unchanged.
func recognizeToken(lk *lockedSlot) (*Token, error) {
	if t := lk.token(); t != nil {
		return t, nil
	}

	_, sw, err := lk.transmitAPDU(0x00, 0xA4, 0x04, 0x0C, hsmAID, 0)
	if err != nil {
		return nil, err
	}
	if !statusOK(sw) {
		return nil, newErr(ErrTokenNotRecognized)
	}

	t := &Token{
		PINInitialized:    true,
		ProtectedAuthPath: lk.features().DirectPINVerifyControlCode != 0,
		Label:             lk.readerName(),
	}
	lk.setToken(t)
	return t, nil
}

// newObjectHandle hands out the next token-scoped object handle,
// wrapping over zero (spec.md §3).
func (t *Token) newObjectHandle() ObjectHandle {
	t.nextHandle++
	if t.nextHandle == 0 {
		t.nextHandle = 1
	}
	return ObjectHandle(t.nextHandle)
}

// sessionState computes the (userType, R/W) state table of spec.md §4.4.
type sessionState int

const (
	stateROPublic sessionState = iota
	stateRWPublic
	stateROUser
	stateRWUser
	stateRWOfficer
)

func computeState(userType UserType, readWrite bool) sessionState {
	switch {
	case userType == UserNone && !readWrite:
		return stateROPublic
	case userType == UserNone && readWrite:
		return stateRWPublic
	case userType == UserNormal && !readWrite:
		return stateROUser
	case userType == UserNormal && readWrite:
		return stateRWUser
	default:
		return stateRWOfficer
	}
}

// Login authenticates ls's slot as userType using pin (spec.md §4.4).
func (ctx *Context) Login(sessionID SessionID, userType UserType, pin []byte) error {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return err
	}
	defer ls.release()

	t := ls.slot.token()
	if t.UserType != UserNone {
		return newErr(ErrUserAlreadyLoggedIn)
	}

	switch userType {
	case UserSecurityOfficer:
		if !ls.session.flags.ReadWrite {
			return newErr(ErrSessionReadOnly)
		}
		if ls.slot.hasReadOnlySession() {
			return newErr(ErrSessionReadOnlyExists)
		}
	case UserNormal:
		if !t.PINInitialized {
			return newErr(ErrUserPINNotInitialized)
		}
	default:
		return newErr(ErrUserTypeInvalid)
	}

	if err := verifyPIN(ls.slot, pin); err != nil {
		return err
	}
	t.UserType = userType
	return nil
}

// verifyPIN drives the card's VERIFY command (spec.md §6) and maps its
// status words to CKErrors.
func verifyPIN(lk *lockedSlot, pin []byte) error {
	_, sw, err := lk.transmitAPDU(0x00, 0x20, 0x00, 0x81, pin, 0)
	if err != nil {
		return err
	}
	if sw == swSuccess {
		return nil
	}
	if sw&0xfff0 == 0x63C0 {
		return newErr(ErrFunctionFailed)
	}
	if sw == swAuthBlocked {
		return newErr(ErrFunctionFailed)
	}
	if sw == swWrongLength {
		return newErr(ErrArgumentsBad)
	}
	return mapStatus(sw)
}

// Logout clears the user type, removes all private objects from the
// token, and forwards to the card's logout routine (spec.md §4.4).
func (ctx *Context) Logout(sessionID SessionID) error {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return err
	}
	defer ls.release()

	t := ls.slot.token()
	if t.UserType == UserNone {
		return newErr(ErrUserNotLoggedIn)
	}
	logoutLocked(ls.slot, t)
	return nil
}

// logoutLocked performs the state transition described in spec.md §4.4,
// §4.1 invariant "on logout the private list is cleared". Must be
// called with the slot locked.
func logoutLocked(lk *lockedSlot, t *Token) {
	t.UserType = UserNone
	t.privateObjects = nil
	// The card-side logout (e.g. re-selecting the application or an
	// explicit logout APDU) is intentionally best-effort: a transport
	// failure here must not prevent the in-memory state from clearing,
	// since the caller has no recovery path for "logout partially failed".
	_, _, _ = lk.transmitAPDU(0x00, 0xA4, 0x04, 0x0C, hsmAID, 0)
}
