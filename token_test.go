package schsm11

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoginNormalUser(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)

	require.NoError(t, ctx.Login(sessionID, UserNormal, card.PIN))

	info, err := ctx.GetSessionInfo(sessionID)
	require.NoError(t, err)
	require.Equal(t, stateROUser, info.State)
}

func TestLoginWrongPINReportsFailure(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)

	err = ctx.Login(sessionID, UserNormal, []byte("000000"))
	require.True(t, Is(err, ErrFunctionFailed))
}

func TestLoginAlreadyLoggedIn(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)
	require.NoError(t, ctx.Login(sessionID, UserNormal, card.PIN))

	err = ctx.Login(sessionID, UserNormal, card.PIN)
	require.True(t, Is(err, ErrUserAlreadyLoggedIn))
}

func TestLoginSecurityOfficerRequiresReadWrite(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)

	err = ctx.Login(sessionID, UserSecurityOfficer, card.PIN)
	require.True(t, Is(err, ErrSessionReadOnly))
}

func TestLoginSecurityOfficerRejectedWithExistingReadOnlySession(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	_, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)

	rwSession, err := ctx.OpenSession(slotID, SessionFlags{Serial: true, ReadWrite: true})
	require.NoError(t, err)

	err = ctx.Login(rwSession, UserSecurityOfficer, card.PIN)
	require.True(t, Is(err, ErrSessionReadOnlyExists))
}

func TestOpenSessionRejectsReadOnlyWhileSOLoggedIn(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	rwSession, err := ctx.OpenSession(slotID, SessionFlags{Serial: true, ReadWrite: true})
	require.NoError(t, err)
	require.NoError(t, ctx.Login(rwSession, UserSecurityOfficer, card.PIN))

	_, err = ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.True(t, Is(err, ErrSessionReadWriteSOExists))
}

func TestLogoutClearsPrivateObjects(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true, ReadWrite: true})
	require.NoError(t, err)
	require.NoError(t, ctx.Login(sessionID, UserNormal, card.PIN))

	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	require.NoError(t, err)
	ls.slot.token().privateObjects = append(ls.slot.token().privateObjects, &Object{Handle: 1})
	ls.release()

	require.NoError(t, ctx.Logout(sessionID))

	ls, err = ctx.FindSessionAndLockSlot(sessionID)
	require.NoError(t, err)
	require.Empty(t, ls.slot.token().privateObjects)
	require.Equal(t, UserNone, ls.slot.token().UserType)
	ls.release()
}
