package schsm11

// lockedSession pairs a Session with the lockedSlot acquired on its
// behalf. It is the composite handle returned by FindSessionAndLockSlot
// (spec.md §4.3) and the only way application-facing operations touch a
// session's slot.
type lockedSession struct {
	session *Session
	slot    *lockedSlot
}

func (ls *lockedSession) release() { ls.slot.release() }

// FindSessionAndLockSlot is the canonical entry point for every
// session-scoped operation (spec.md §4.3). It pins the session via
// Q_session while resolving its slot, then defers to FindAndLock for the
// reference-count protocol on the slot itself.
func (ctx *Context) FindSessionAndLockSlot(sessionID SessionID) (*lockedSession, error) {
	ctx.sessions.mu.Lock()
	sess := ctx.sessions.findLocked(sessionID)
	if sess == nil {
		ctx.sessions.mu.Unlock()
		return nil, newErr(ErrSessionHandleInvalid)
	}
	sess.queuing.Add(1)
	ctx.sessions.mu.Unlock()

	lk, err := ctx.slots.FindAndLock(sess.slotID)
	sess.queuing.Add(-1)
	if err != nil {
		return nil, err
	}

	if _, err := recognizeToken(lk); err != nil {
		lk.release()
		return nil, err
	}

	return &lockedSession{session: sess, slot: lk}, nil
}

// CloseSession tears down a session: decrements the slot's session
// counts and, if the total reaches zero while a user is logged in, logs
// the user out (spec.md §4.2).
//
// If another thread is between session lookup and slot-lock acquisition
// for this same session (Q_session > 0), close is rejected with
// "function failed" rather than unlinking a session someone else is
// mid-use of (spec.md §5 cancellation).
func (ctx *Context) CloseSession(sessionID SessionID) error {
	ctx.sessions.mu.Lock()
	sess := ctx.sessions.findLocked(sessionID)
	if sess == nil {
		ctx.sessions.mu.Unlock()
		return newErr(ErrSessionHandleInvalid)
	}
	if sess.queuing.Load() > 0 {
		ctx.sessions.mu.Unlock()
		return newErr(ErrFunctionFailed)
	}
	ctx.sessions.closeLocked(sess)
	ctx.sessions.mu.Unlock()

	lk, err := ctx.slots.FindAndLock(sess.slotID)
	if err != nil {
		// Slot already gone: the session's counts died with it.
		return nil
	}
	defer lk.release()

	lk.decSessionCount(!sess.flags.ReadWrite)
	if lk.sessionCount() == 0 {
		if t := lk.token(); t != nil && t.UserType != UserNone {
			logoutLocked(lk, t)
		}
	}
	return nil
}

// CloseAllSessions repeatedly finds and closes a session on slotID until
// none remain (spec.md §4.2).
func (ctx *Context) CloseAllSessions(slotID SlotID) error {
	for {
		id, ok := ctx.sessions.FindBySlot(slotID)
		if !ok {
			return nil
		}
		if err := ctx.CloseSession(id); err != nil {
			return err
		}
	}
}
