package schsm11

import (
	"bytes"

	"github.com/miekg/pkcs11"
)

// ObjectHandle is pkcs11's handle type, reused directly for vocabulary
// compatibility (spec.md SPEC_FULL §2).
type ObjectHandle = pkcs11.ObjectHandle

// Attribute is pkcs11's attribute shape, reused directly.
type Attribute = pkcs11.Attribute

// attrSentinelLen marks an attribute whose length could not be reported
// (spec.md §4.5 "sentinel all-ones value").
const attrSentinelLen = ^uint64(0)

// Object carries a stable handle and its attribute list (spec.md §3).
type Object struct {
	Handle     ObjectHandle
	Attributes []*Attribute

	TokenObj     bool // persisted on card
	PublicObj    bool
	SensitiveObj bool
	dirty        bool
}

func (o *Object) attr(typ uint) *Attribute {
	for _, a := range o.Attributes {
		if a.Type == typ {
			return a
		}
	}
	return nil
}

func (o *Object) setAttr(typ uint, value []byte) {
	if a := o.attr(typ); a != nil {
		a.Value = value
		return
	}
	o.Attributes = append(o.Attributes, &pkcs11.Attribute{Type: typ, Value: value})
}

func attrBool(a *Attribute) bool {
	return a != nil && len(a.Value) == 1 && a.Value[0] != 0
}

// matchesTemplate reports whether o carries, byte-for-byte, every
// attribute named in tmpl (spec.md §4.5 find_objects snapshot predicate).
func (o *Object) matchesTemplate(tmpl []*Attribute) bool {
	for _, want := range tmpl {
		got := o.attr(want.Type)
		if got == nil || !bytes.Equal(got.Value, want.Value) {
			return false
		}
	}
	return true
}

// shallowCopy returns a copy of o safe to put in a find-objects snapshot
// list: the Attributes slice and its elements are copied, but the
// backing byte slices are shared (spec.md §4.5 "shallow object copies").
func (o *Object) shallowCopy() *Object {
	cp := *o
	cp.Attributes = make([]*Attribute, len(o.Attributes))
	for i, a := range o.Attributes {
		acp := *a
		cp.Attributes[i] = &acp
	}
	return &cp
}

// CreateObject creates a data object (spec.md §4.5). Only the DATA class
// is supported; token objects require an RW-user session.
func (ctx *Context) CreateObject(sessionID SessionID, tmpl []*Attribute) (ObjectHandle, error) {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return 0, err
	}
	defer ls.release()

	classAttr := findAttr(tmpl, pkcs11.CKA_CLASS)
	if classAttr == nil || len(classAttr.Value) != 8 {
		return 0, newErr(ErrTemplateIncomplete)
	}
	class := littleEndianUint64(classAttr.Value)
	if class != pkcs11.CKO_DATA {
		return 0, newErr(ErrFunctionNotSupported)
	}

	token := ls.slot.token()
	state := computeState(token.UserType, ls.session.flags.ReadWrite)

	privateAttr := findAttr(tmpl, pkcs11.CKA_PRIVATE)
	tokenAttr := findAttr(tmpl, pkcs11.CKA_TOKEN)
	isToken := attrBool(tokenAttr)

	obj := &Object{
		TokenObj:  isToken,
		PublicObj: !attrBool(privateAttr),
	}
	for _, a := range tmpl {
		obj.setAttr(a.Type, append([]byte{}, a.Value...))
	}

	if isToken {
		if state != stateRWUser {
			return 0, newErr(ErrSessionReadOnly)
		}
		obj.Handle = token.newObjectHandle()
		linkTokenObject(token, obj)
		if err := synchronizeToken(ls.slot, token); err != nil {
			unlinkTokenObject(token, obj)
			return 0, err
		}
		return obj.Handle, nil
	}

	obj.Handle = ObjectHandle(ls.session.nextObjHandle)
	ls.session.nextObjHandle++
	ls.session.objects = append(ls.session.objects, obj)
	return obj.Handle, nil
}

func findAttr(tmpl []*Attribute, typ uint) *Attribute {
	for _, a := range tmpl {
		if a.Type == typ {
			return a
		}
	}
	return nil
}

func littleEndianUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

func linkTokenObject(t *Token, o *Object) {
	if o.PublicObj {
		t.PublicObjects = append(t.PublicObjects, o)
	} else {
		t.privateObjects = append(t.privateObjects, o)
	}
}

func unlinkTokenObject(t *Token, o *Object) {
	t.PublicObjects = removeObject(t.PublicObjects, o)
	t.privateObjects = removeObject(t.privateObjects, o)
}

func removeObject(list []*Object, o *Object) []*Object {
	out := list[:0]
	for _, cur := range list {
		if cur != o {
			out = append(out, cur)
		}
	}
	return out
}

// synchronizeToken persists dirty/new token objects to the card. The
// core's object store beyond session/object state is an external
// collaborator (spec.md §1); this stub only clears the dirty bit, giving
// set_attribute/create_object a real call site to invoke and roll back
// against.
func synchronizeToken(lk *lockedSlot, t *Token) error {
	for _, o := range t.PublicObjects {
		o.dirty = false
	}
	for _, o := range t.privateObjects {
		o.dirty = false
	}
	return nil
}

// DestroyObject searches session objects first, then token objects
// (public, then private if the session is in user state) (spec.md §4.5).
func (ctx *Context) DestroyObject(sessionID SessionID, handle ObjectHandle) error {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return err
	}
	defer ls.release()

	for i, o := range ls.session.objects {
		if o.Handle == handle {
			ls.session.objects = append(ls.session.objects[:i], ls.session.objects[i+1:]...)
			return nil
		}
	}

	token := ls.slot.token()
	state := computeState(token.UserType, ls.session.flags.ReadWrite)
	if o := findInList(token.PublicObjects, handle); o != nil {
		return destroyTokenObject(ls.slot, token, o)
	}
	if state == stateROUser || state == stateRWUser || state == stateRWOfficer {
		if o := findInList(token.privateObjects, handle); o != nil {
			return destroyTokenObject(ls.slot, token, o)
		}
	}
	return newErr(ErrObjectHandleInvalid)
}

func findInList(list []*Object, handle ObjectHandle) *Object {
	for _, o := range list {
		if o.Handle == handle {
			return o
		}
	}
	return nil
}

func destroyTokenObject(lk *lockedSlot, t *Token, o *Object) error {
	unlinkTokenObject(t, o)
	return nil
}

func isValueAttribute(typ uint) bool {
	return typ == pkcs11.CKA_VALUE || typ == pkcs11.CKA_PRIVATE_EXPONENT
}

// AttributeRequest mirrors one element of a C_GetAttributeValue template
// entry: a type plus the caller's buffer convention for it (spec.md
// §4.5, §8). NullPtr models passing a null pValue (length-only query);
// otherwise BufLen is the caller's buffer capacity.
type AttributeRequest struct {
	Type    uint
	NullPtr bool
	BufLen  int
}

// AttributeResult is what get_attribute wrote back for one requested
// type. Length is attrSentinelLen when the type is invalid or sensitive
// (spec.md §4.5 "mark length as the sentinel all-ones value"); Value is
// nil unless the copy actually happened.
type AttributeResult struct {
	Type   uint
	Length uint64
	Value  []byte
}

// GetAttributeValue implements spec.md §4.5's per-attribute policy:
//
//	unknown attribute        -> sentinel length,  "attribute type invalid"
//	sensitive value attr.    -> sentinel length,  "attribute sensitive"
//	NullPtr                  -> true length only, no error
//	BufLen < actual          -> true length,      "buffer too small"
//	otherwise                -> copy + true length
//
// A multi-attribute call returns the most serious error kind it
// observed — but per the open question pinned in spec.md §8/§9, "most
// serious" here means "last observed among sensitive/type-invalid/
// buffer-too-small", not the textbook severity ordering: a later
// buffer-too-small silently overwrites an earlier sensitive/type-invalid
// return value, exactly as the reference implementation does.
func (ctx *Context) GetAttributeValue(sessionID SessionID, handle ObjectHandle, reqs []AttributeRequest) ([]AttributeResult, error) {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return nil, err
	}
	defer ls.release()

	obj := ctx.findAnyObject(ls, handle)
	if obj == nil {
		return nil, newErr(ErrObjectHandleInvalid)
	}

	results := make([]AttributeResult, len(reqs))
	var last error
	for i, req := range reqs {
		a := obj.attr(req.Type)
		switch {
		case a == nil:
			results[i] = AttributeResult{Type: req.Type, Length: attrSentinelLen}
			last = newErr(ErrAttributeTypeInvalid)
		case obj.SensitiveObj && isValueAttribute(req.Type):
			results[i] = AttributeResult{Type: req.Type, Length: attrSentinelLen}
			last = newErr(ErrAttributeSensitive)
		case req.NullPtr:
			results[i] = AttributeResult{Type: req.Type, Length: uint64(len(a.Value))}
		case req.BufLen < len(a.Value):
			results[i] = AttributeResult{Type: req.Type, Length: uint64(len(a.Value))}
			last = newErr(ErrBufferTooSmall)
		default:
			results[i] = AttributeResult{
				Type:   req.Type,
				Length: uint64(len(a.Value)),
				Value:  append([]byte{}, a.Value...),
			}
		}
	}
	return results, last
}

func (ctx *Context) findAnyObject(ls *lockedSession, handle ObjectHandle) *Object {
	if o := findInList(ls.session.objects, handle); o != nil {
		return o
	}
	token := ls.slot.token()
	if o := findInList(token.PublicObjects, handle); o != nil {
		return o
	}
	if o := findInList(token.privateObjects, handle); o != nil {
		return o
	}
	return nil
}

// SetAttributeValue is permitted on session objects, or on token objects
// only from an RW-user session (spec.md §4.5). Flipping CKA_PRIVATE from
// false to true on a token object migrates it to a new handle; on a
// session object the CKA_PRIVATE entry is ignored and the object stays
// public. Flipping it from true to false is forbidden.
func (ctx *Context) SetAttributeValue(sessionID SessionID, handle ObjectHandle, tmpl []*Attribute) error {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return err
	}
	defer ls.release()

	isSessionObj := findInList(ls.session.objects, handle) != nil
	if !isSessionObj {
		token := ls.slot.token()
		state := computeState(token.UserType, ls.session.flags.ReadWrite)
		if state != stateRWUser {
			return newErr(ErrSessionReadOnly)
		}
	}

	obj := ctx.findAnyObject(ls, handle)
	if obj == nil {
		return newErr(ErrObjectHandleInvalid)
	}

	if priv := findAttr(tmpl, pkcs11.CKA_PRIVATE); priv != nil {
		wantPrivate := attrBool(priv)
		wasPrivate := !obj.PublicObj
		if wasPrivate && !wantPrivate {
			return newErr(ErrFunctionNotSupported)
		}
		if !wasPrivate && wantPrivate && obj.TokenObj {
			if err := migratePublicToPrivate(ls, obj); err != nil {
				return err
			}
		}
	}

	for _, a := range tmpl {
		if a.Type == pkcs11.CKA_PRIVATE {
			continue
		}
		obj.setAttr(a.Type, append([]byte{}, a.Value...))
		obj.dirty = true
	}
	return nil
}

// migratePublicToPrivate implements spec.md §4.5's public->private
// migration: copy to a new object with publicObj=false, destroy the
// original on-card, unlink keeping attributes on the old placeholder,
// link the new object, synchronise.
func migratePublicToPrivate(ls *lockedSession, obj *Object) error {
	token := ls.slot.token()

	migrated := &Object{
		Handle:       token.newObjectHandle(),
		TokenObj:     true,
		PublicObj:    false,
		SensitiveObj: obj.SensitiveObj,
	}
	for _, a := range obj.Attributes {
		migrated.setAttr(a.Type, append([]byte{}, a.Value...))
	}
	migrated.setAttr(pkcs11.CKA_PRIVATE, []byte{1})

	unlinkTokenObject(token, obj)
	linkTokenObject(token, migrated)

	if err := synchronizeToken(ls.slot, token); err != nil {
		// Open question (spec.md §9): the source leaves the migrated
		// object on the token even when synchronize fails. We match
		// that observed behaviour rather than rolling back.
		return err
	}

	obj.PublicObj = false
	obj.Handle = migrated.Handle
	*obj = *migrated
	return nil
}

// FindObjectsInit builds the snapshot list for pagination (spec.md
// §4.5): session objects, then public token objects, then private token
// objects if the session state permits.
func (ctx *Context) FindObjectsInit(sessionID SessionID, tmpl []*Attribute) error {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return err
	}
	defer ls.release()

	if ls.session.search.active {
		return newErr(ErrFunctionFailed)
	}

	var matches []*Object
	for _, o := range ls.session.objects {
		if o.matchesTemplate(tmpl) {
			matches = append(matches, o.shallowCopy())
		}
	}
	token := ls.slot.token()
	for _, o := range token.PublicObjects {
		if o.matchesTemplate(tmpl) {
			matches = append(matches, o.shallowCopy())
		}
	}
	state := computeState(token.UserType, ls.session.flags.ReadWrite)
	if state == stateROUser || state == stateRWUser || state == stateRWOfficer {
		for _, o := range token.privateObjects {
			if o.matchesTemplate(tmpl) {
				matches = append(matches, o.shallowCopy())
			}
		}
	}

	ls.session.search = searchState{active: true, matches: matches, cursor: 0}
	return nil
}

// FindObjects returns up to maxCount handles from the current search,
// advancing the cursor (spec.md §4.5; §9 flags the reference
// implementation's O(n^2) re-walk-from-head as a defect we avoid by
// keeping a saved cursor).
func (ctx *Context) FindObjects(sessionID SessionID, maxCount int) ([]ObjectHandle, error) {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return nil, err
	}
	defer ls.release()

	if !ls.session.search.active {
		return nil, newErr(ErrFunctionFailed)
	}
	s := &ls.session.search
	end := s.cursor + maxCount
	if end > len(s.matches) {
		end = len(s.matches)
	}
	var out []ObjectHandle
	for _, o := range s.matches[s.cursor:end] {
		out = append(out, o.Handle)
	}
	s.cursor = end
	return out, nil
}

// FindObjectsFinal drops the search list (spec.md §4.5).
func (ctx *Context) FindObjectsFinal(sessionID SessionID) error {
	ls, err := ctx.FindSessionAndLockSlot(sessionID)
	if err != nil {
		return err
	}
	defer ls.release()

	if !ls.session.search.active {
		return newErr(ErrFunctionFailed)
	}
	ls.session.search = searchState{}
	return nil
}
