package schsm11

import (
	"encoding/binary"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/require"
)

func classTemplate(class uint64, token, private bool) []*Attribute {
	classBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(classBytes, class)
	return []*Attribute{
		{Type: pkcs11.CKA_CLASS, Value: classBytes},
		{Type: pkcs11.CKA_TOKEN, Value: boolAttr(token)},
		{Type: pkcs11.CKA_PRIVATE, Value: boolAttr(private)},
		{Type: pkcs11.CKA_LABEL, Value: []byte("note")},
	}
}

func boolAttr(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func TestCreateSessionObjectRoundTrip(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)

	handle, err := ctx.CreateObject(sessionID, classTemplate(pkcs11.CKO_DATA, false, false))
	require.NoError(t, err)

	results, err := ctx.GetAttributeValue(sessionID, handle, []AttributeRequest{
		{Type: pkcs11.CKA_LABEL, BufLen: 64},
	})
	require.NoError(t, err)
	require.Equal(t, "note", string(results[0].Value))
}

func TestCreateTokenObjectRequiresRWUser(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)

	_, err = ctx.CreateObject(sessionID, classTemplate(pkcs11.CKO_DATA, true, false))
	require.True(t, Is(err, ErrSessionReadOnly))
}

func TestGetAttributeValueUnknownType(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)
	handle, err := ctx.CreateObject(sessionID, classTemplate(pkcs11.CKO_DATA, false, false))
	require.NoError(t, err)

	results, err := ctx.GetAttributeValue(sessionID, handle, []AttributeRequest{
		{Type: pkcs11.CKA_MODULUS, BufLen: 16},
	})
	require.True(t, Is(err, ErrAttributeTypeInvalid))
	require.Equal(t, attrSentinelLen, results[0].Length)
}

func TestGetAttributeValueBufferTooSmall(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)
	handle, err := ctx.CreateObject(sessionID, classTemplate(pkcs11.CKO_DATA, false, false))
	require.NoError(t, err)

	results, err := ctx.GetAttributeValue(sessionID, handle, []AttributeRequest{
		{Type: pkcs11.CKA_LABEL, BufLen: 1},
	})
	require.True(t, Is(err, ErrBufferTooSmall))
	require.EqualValues(t, 4, results[0].Length)
	require.Nil(t, results[0].Value)
}

func TestGetAttributeValueNullPtrReportsLengthOnly(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)
	handle, err := ctx.CreateObject(sessionID, classTemplate(pkcs11.CKO_DATA, false, false))
	require.NoError(t, err)

	results, err := ctx.GetAttributeValue(sessionID, handle, []AttributeRequest{
		{Type: pkcs11.CKA_LABEL, NullPtr: true},
	})
	require.NoError(t, err)
	require.EqualValues(t, 4, results[0].Length)
	require.Nil(t, results[0].Value)
}

func TestSetAttributeValueMigratesPublicToPrivate(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true, ReadWrite: true})
	require.NoError(t, err)
	require.NoError(t, ctx.Login(sessionID, UserNormal, card.PIN))

	handle, err := ctx.CreateObject(sessionID, classTemplate(pkcs11.CKO_DATA, true, false))
	require.NoError(t, err)

	err = ctx.SetAttributeValue(sessionID, handle, []*Attribute{
		{Type: pkcs11.CKA_PRIVATE, Value: []byte{1}},
	})
	require.NoError(t, err)

	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	require.NoError(t, err)
	require.Empty(t, ls.slot.token().PublicObjects)
	require.Len(t, ls.slot.token().privateObjects, 1)
	ls.release()
}

func TestSetAttributeValueRejectsPrivateToPublic(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true, ReadWrite: true})
	require.NoError(t, err)
	require.NoError(t, ctx.Login(sessionID, UserNormal, card.PIN))

	handle, err := ctx.CreateObject(sessionID, classTemplate(pkcs11.CKO_DATA, true, true))
	require.NoError(t, err)

	err = ctx.SetAttributeValue(sessionID, handle, []*Attribute{
		{Type: pkcs11.CKA_PRIVATE, Value: []byte{0}},
	})
	require.True(t, Is(err, ErrFunctionNotSupported))
}

func TestFindObjectsPaginates(t *testing.T) {
	card := NewMockCard()
	card.PIN = []byte("123456")
	ctx, slotID := newTestContext(t, card)

	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := ctx.CreateObject(sessionID, classTemplate(pkcs11.CKO_DATA, false, false))
		require.NoError(t, err)
	}

	require.NoError(t, ctx.FindObjectsInit(sessionID, nil))
	first, err := ctx.FindObjects(sessionID, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := ctx.FindObjects(sessionID, 10)
	require.NoError(t, err)
	require.Len(t, second, 3)

	require.NoError(t, ctx.FindObjectsFinal(sessionID))
}

func TestFindObjectsInitRejectsDoubleInit(t *testing.T) {
	card := NewMockCard()
	ctx, slotID := newTestContext(t, card)
	sessionID, err := ctx.OpenSession(slotID, SessionFlags{Serial: true})
	require.NoError(t, err)

	require.NoError(t, ctx.FindObjectsInit(sessionID, nil))
	err = ctx.FindObjectsInit(sessionID, nil)
	require.True(t, Is(err, ErrFunctionFailed))
}
