package schsm11

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotPoolUpdateDiscoversReaders(t *testing.T) {
	mt := NewMockTransport()
	mt.Readers = []string{"reader 0", "reader 1"}

	p := NewSlotPool(mt)
	require.NoError(t, p.Update())

	ids := p.Enumerate(false)
	require.Len(t, ids, 2)
}

func TestSlotPoolUpdateIsIdempotentForSameReaders(t *testing.T) {
	mt := NewMockTransport()
	mt.Readers = []string{"reader 0"}

	p := NewSlotPool(mt)
	require.NoError(t, p.Update())
	first := p.Enumerate(false)
	require.NoError(t, p.Update())
	second := p.Enumerate(false)
	require.Equal(t, first, second)
}

func TestSlotPoolUpdateRetiresGoneReader(t *testing.T) {
	mt := NewMockTransport()
	mt.Readers = []string{"reader 0", "reader 1"}

	p := NewSlotPool(mt)
	require.NoError(t, p.Update())
	require.Len(t, p.Enumerate(false), 2)

	mt.Readers = []string{"reader 0"}
	require.NoError(t, p.Update())
	require.Len(t, p.Enumerate(false), 1)
}

func TestFindAndLockUnknownSlot(t *testing.T) {
	p := NewSlotPool(NewMockTransport())
	_, err := p.FindAndLock(99)
	require.True(t, Is(err, ErrSlotIDInvalid))
}

func TestFindAndLockReturnsSlotIDInvalidAfterRetirement(t *testing.T) {
	mt := NewMockTransport()
	mt.Readers = []string{"reader 0"}
	p := NewSlotPool(mt)
	require.NoError(t, p.Update())
	ids := p.Enumerate(false)
	require.Len(t, ids, 1)
	id := ids[0]

	mt.Readers = nil
	require.NoError(t, p.Update())

	// Nothing was queued on the slot, so Update unlinked it outright.
	_, err := p.FindAndLock(id)
	require.True(t, Is(err, ErrSlotIDInvalid))
}

func TestFindAndLockDefersDestructionWhileQueued(t *testing.T) {
	// A slot pinned by an in-flight lookup (Q_slot > 0) must not be
	// destroyed by a concurrent Update pass; it survives to the next one
	// (spec.md §5).
	mt := NewMockTransport()
	mt.Readers = []string{"reader 0"}
	p := NewSlotPool(mt)
	require.NoError(t, p.Update())
	id := p.Enumerate(false)[0]

	s := p.find(id)
	s.queuing.Add(1)

	mt.Readers = nil
	require.NoError(t, p.Update())
	require.True(t, s.closed.Get())

	s.queuing.Add(-1)
	lk, err := p.FindAndLock(id)
	require.Error(t, err) // closed is monotonic: this pass still sees it gone
	_ = lk
}
