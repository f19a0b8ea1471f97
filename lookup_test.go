package schsm11

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestContext wires a Context to a single mock reader holding card,
// returning the slot id recognised for it.
func newTestContext(t *testing.T, card *MockCard) (*Context, SlotID) {
	t.Helper()
	mt := NewMockTransport()
	mt.Readers = []string{"mock reader 0"}
	mt.Cards["mock reader 0"] = card

	ctx, err := Initialize(mt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Finalize(ctx) })

	ids := ctx.slots.Enumerate(false)
	require.Len(t, ids, 1)
	return ctx, ids[0]
}

func TestFindSessionAndLockSlotRecognizesToken(t *testing.T) {
	ctx, slotID := newTestContext(t, NewMockCard())

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)

	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	require.NoError(t, err)
	require.NotNil(t, ls.slot.token())
	ls.release()
}

func TestFindSessionAndLockSlotUnknownSession(t *testing.T) {
	ctx, _ := newTestContext(t, NewMockCard())
	_, err := ctx.FindSessionAndLockSlot(999)
	require.True(t, Is(err, ErrSessionHandleInvalid))
}

func TestCloseSessionLogsOutWhenLastSessionCloses(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true, ReadWrite: true})
	require.NoError(t, err)
	require.NoError(t, ctx.Login(sessionID, UserNormal, card.PIN))

	require.NoError(t, ctx.CloseSession(sessionID))

	_, err = ctx.FindSessionAndLockSlot(sessionID)
	require.True(t, Is(err, ErrSessionHandleInvalid))

	lk, err := ctx.slots.FindAndLock(slotID)
	require.NoError(t, err)
	require.Equal(t, UserNone, lk.token().UserType)
	lk.release()
}

func TestCloseAllSessions(t *testing.T) {
	ctx, slotID := newTestContext(t, NewMockCard())

	_, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)
	_, err = ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)

	require.NoError(t, ctx.CloseAllSessions(slotID))
	_, ok := ctx.sessions.FindBySlot(slotID)
	require.False(t, ok)
}
