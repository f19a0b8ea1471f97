package schsm11

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// File-namespace family bytes used by the template engine (spec.md §6).
const (
	familyPrivateKeyData = 0xCC
	familyPrivateKeyDesc = 0xC4
	familyDataObject      = 0xCD
	familyDataObjectDesc  = 0xC9
)

const (
	templateVersion    = 0
	templateHeaderLen  = 20
	templateHashLen    = 32
	rsaSignatureSize   = 256
	ecdsaSignatureSize = 72
)

// sha256DigestInfo is the fixed 19-byte ASN.1 DigestInfo prefix for
// SHA-256, used to build the PKCS#1 v1.5 padded block (spec.md §4.6).
var sha256DigestInfo = []byte{
	0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
	0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
}

// TemplateHeader is the 20-byte on-card header (spec.md §3), already
// converted from big-endian disk order to host order.
type TemplateHeader struct {
	Version       byte
	HeaderLen     byte
	HashLen       uint16
	CertIDOff     uint16
	SigAttrOff    uint16
	SigAttrLen    uint16
	SigningTimeOff uint16
	MsgDigestOff  uint16
	SignatureOff  uint16
	SignatureSize uint16
	EnvelopeLen   uint16
}

// Template is the in-memory, cached signature template (spec.md §3/§4.6).
type Template struct {
	Label       string
	KeyFid      uint16
	TemplateFid uint16
	Header      TemplateHeader
	Envelope    []byte

	// hashToSign is SHA-256 of the signed-attributes block, computed by
	// patchSignedAttributes and consumed by the RSA/ECDSA patch step.
	hashToSign [32]byte
}

// Engine is the template engine: discovery, parsing, caching and
// patching (spec.md §4.6). It is explicitly single-threaded — callers
// must serialise — so, per the teacher's documented contract for its
// own single-shared-state fields, cached is not protected by a mutex.
type Engine struct {
	cached *Template

	// Now is the clock used to stamp the signing time; overridable for
	// tests (spec.md §8 boundary scenarios).
	Now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{Now: time.Now}
}

// discover implements GetFids from sc-hsm-ultralite.c: enumerate the
// on-card object directory, then find the (private-key, data-object)
// pair whose descriptor label matches.
func discover(lk *lockedSlot, label string) (keyFid, templateFid uint16, err error) {
	data, sw, err := lk.transmitAPDU(0x80, 0x58, 0x00, 0x00, nil, 256)
	if err != nil {
		return 0, 0, err
	}
	if !statusOK(sw) {
		return 0, 0, wrapErr(ErrTemplateNotFound, mapStatus(sw), "enumerate objects")
	}

	for i := 0; i+1 < len(data); i += 2 {
		typ, idx := data[i], data[i+1]
		if typ != familyPrivateKeyData {
			continue
		}
		if !findFid(familyPrivateKeyDesc, idx, data) {
			continue
		}
		fid := uint16(familyPrivateKeyDesc)<<8 | uint16(idx)
		desc, err := readDescriptor(lk, fid)
		if err != nil {
			return 0, 0, err
		}
		if findLabel(label, desc) {
			keyFid = uint16(familyPrivateKeyData)<<8 | uint16(idx)
			break
		}
	}
	if keyFid == 0 {
		return 0, 0, newErr(ErrTemplateNotFound)
	}

	for i := 0; i+1 < len(data); i += 2 {
		typ, idx := data[i], data[i+1]
		if typ != familyDataObject {
			continue
		}
		if !findFid(familyDataObjectDesc, idx, data) {
			continue
		}
		fid := uint16(familyDataObjectDesc)<<8 | uint16(idx)
		desc, err := readDescriptor(lk, fid)
		if err != nil {
			return 0, 0, err
		}
		if findLabel(label, desc) {
			templateFid = uint16(familyDataObject)<<8 | uint16(idx)
			break
		}
	}
	if templateFid == 0 {
		return 0, 0, newErr(ErrTemplateNotFound)
	}
	return keyFid, templateFid, nil
}

// findFid reports whether the (hi, lo) pair is present in the
// enumerate-objects response (spec.md §4.6 step 1).
func findFid(hi, lo byte, list []byte) bool {
	for i := 0; i+1 < len(list); i += 2 {
		if list[i] == hi && list[i+1] == lo {
			return true
		}
	}
	return false
}

// readDescriptor reads up to 256 bytes of a descriptor file (key or
// data-object) at offset 0 — large enough for the label tag/length
// chain (spec.md §4.6 step 2/3).
func readDescriptor(lk *lockedSlot, fid uint16) ([]byte, error) {
	data, sw, err := lk.transmitAPDU(0x00, 0xB1, byte(fid>>8), byte(fid),
		readFileData(0), 256)
	if err != nil {
		return nil, err
	}
	if !statusOK(sw) {
		return nil, wrapErr(ErrTemplateNotFound, mapStatus(sw), "read descriptor")
	}
	return data, nil
}

// findLabel walks the small ASN.1-like tag/length chain — outer
// constructor, inner sequence, first UTF-8 text primitive — and compares
// it byte-for-byte, case-sensitive, against label (spec.md §4.6 step 2;
// ported from sc-hsm-ultralite.c's FindLabel).
func findLabel(label string, buf []byte) bool {
	ix := 0
	readTag := func(tag1, tag2 byte) (int, bool) {
		if ix >= len(buf) || (buf[ix] != tag1 && buf[ix] != tag2) {
			return 0, false
		}
		ix++
		if ix >= len(buf) {
			return 0, false
		}
		val := int(buf[ix])
		ix++
		if val >= 0x80 {
			skip := val & 0x7f
			ix += skip
			// The actual length bytes themselves aren't consumed into
			// val here; this chain only ever uses the length to bound
			// the final UTF8String, whose length is always short-form.
		}
		return val, true
	}

	if _, ok := readTag(0x30, 0xa0); !ok { // outer SEQUENCE or CONT [0]
		return false
	}
	if _, ok := readTag(0x30, 0x30); !ok { // inner SEQUENCE
		return false
	}
	val, ok := readTag(0x0c, 0x0c) // UTF8String
	if !ok {
		return false
	}
	if val >= 0x80 {
		return false // assume label length < 128
	}
	end := ix + val
	if end > len(buf) {
		return false
	}
	return string(buf[ix:end]) == label
}

// loadTemplate implements LoadTemplate from sc-hsm-ultralite.c: read and
// validate the 20-byte header, then stream the envelope body in chunks
// bounded by the transport's maximum payload (spec.md §4.6 step 1/2).
func loadTemplate(lk *lockedSlot, label string) (*Template, error) {
	keyFid, templateFid, err := discover(lk, label)
	if err != nil {
		return nil, err
	}

	raw, sw, err := lk.transmitAPDU(0x00, 0xB1, byte(templateFid>>8), byte(templateFid),
		readFileData(0), templateHeaderLen)
	if err != nil {
		return nil, err
	}
	if !statusOK(sw) || len(raw) != templateHeaderLen {
		return nil, newErr(ErrTemplateMalformed)
	}

	hdr, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	envelope := make([]byte, hdr.EnvelopeLen)
	off := 0
	for off < len(envelope) {
		n := len(envelope) - off
		if n > maxTransmitPayload {
			n = maxTransmitPayload
		}
		chunk, sw, err := lk.transmitAPDU(0x00, 0xB1, byte(templateFid>>8), byte(templateFid),
			readFileData(uint16(templateHeaderLen+off)), n)
		if err != nil {
			return nil, err
		}
		if !statusOK(sw) || len(chunk) != n {
			return nil, newErr(ErrTemplateMalformed)
		}
		copy(envelope[off:], chunk)
		off += n
	}

	return &Template{
		Label:       label,
		KeyFid:      keyFid,
		TemplateFid: templateFid,
		Header:      hdr,
		Envelope:    envelope,
	}, nil
}

// parseHeader converts the big-endian on-disk header to host order and
// checks every invariant of spec.md §3.
func parseHeader(raw []byte) (TemplateHeader, error) {
	if len(raw) != templateHeaderLen {
		return TemplateHeader{}, newErr(ErrTemplateMalformed)
	}
	be16 := func(off int) uint16 { return uint16(raw[off])<<8 | uint16(raw[off+1]) }

	h := TemplateHeader{
		Version:        raw[0],
		HeaderLen:      raw[1],
		HashLen:        be16(2),
		CertIDOff:      be16(4),
		SigAttrOff:     be16(6),
		SigAttrLen:     be16(8),
		SigningTimeOff: be16(10),
		MsgDigestOff:   be16(12),
		SignatureOff:   be16(14),
		SignatureSize:  be16(16),
		EnvelopeLen:    be16(18),
	}

	if h.Version != templateVersion || h.HeaderLen != templateHeaderLen {
		return h, newErr(ErrTemplateVersionUnsupported)
	}
	if h.HashLen != templateHashLen {
		return h, newErr(ErrHashLengthUnsupported)
	}
	if !(0 < h.SigAttrOff && int(h.SigAttrOff)+int(h.SigAttrLen) < int(h.SignatureOff)) {
		return h, newErr(ErrTemplateMalformed)
	}
	if !(h.SigAttrOff < h.SigningTimeOff && int(h.SigningTimeOff)+13 <= int(h.SigAttrOff)+int(h.SigAttrLen)) {
		return h, newErr(ErrTemplateMalformed)
	}
	if !(h.SigAttrOff < h.MsgDigestOff && int(h.MsgDigestOff)+int(h.HashLen) <= int(h.SigAttrOff)+int(h.SigAttrLen)) {
		return h, newErr(ErrTemplateMalformed)
	}
	if !(0 < h.SignatureOff && int(h.SignatureOff)+int(h.SignatureSize) <= int(h.EnvelopeLen)) {
		return h, newErr(ErrTemplateMalformed)
	}
	return h, nil
}

// Sign patches the cached (or freshly loaded) template for label with
// hash and drives the on-card signature primitive (spec.md §4.6).
//
// The cache is consulted first: a different label drops it outright; a
// matching label is re-validated by re-reading CertIDOff/32 bytes from
// the template file and comparing against the cached copy, which is the
// only mechanism that detects a re-provisioned template without
// application cooperation.
func (e *Engine) Sign(lk *lockedSlot, label string, hash [32]byte) ([]byte, error) {
	t, err := e.templateFor(lk, label)
	if err != nil {
		e.cached = nil
		return nil, err
	}

	if err := e.patchSignedAttributes(t, hash); err != nil {
		e.cached = nil
		return nil, err
	}

	switch t.Header.SignatureSize {
	case rsaSignatureSize:
		if err := e.patchRSA(lk, t); err != nil {
			e.cached = nil
			return nil, err
		}
	case ecdsaSignatureSize:
		if err := e.patchECDSA(lk, t); err != nil {
			e.cached = nil
			return nil, err
		}
	default:
		e.cached = nil
		return nil, newErr(ErrUnsupportedKeySize)
	}

	out := make([]byte, len(t.Envelope))
	copy(out, t.Envelope)
	return out, nil
}

func (e *Engine) templateFor(lk *lockedSlot, label string) (*Template, error) {
	if e.cached == nil || e.cached.Label != label {
		t, err := loadTemplate(lk, label)
		if err != nil {
			return nil, err
		}
		e.cached = t
		return t, nil
	}

	t := e.cached
	certID, sw, err := lk.transmitAPDU(0x00, 0xB1, byte(t.TemplateFid>>8), byte(t.TemplateFid),
		readFileData(templateHeaderLen+t.Header.CertIDOff), 32)
	if err != nil {
		return nil, err
	}
	if !statusOK(sw) || len(certID) != 32 {
		fresh, err := loadTemplate(lk, label)
		if err != nil {
			return nil, err
		}
		e.cached = fresh
		return fresh, nil
	}
	cachedCertID := t.Envelope[t.Header.CertIDOff : t.Header.CertIDOff+32]
	for i := range certID {
		if certID[i] != cachedCertID[i] {
			fresh, err := loadTemplate(lk, label)
			if err != nil {
				return nil, err
			}
			e.cached = fresh
			return fresh, nil
		}
	}
	return t, nil
}

// patchSignedAttributes writes the signing time and message digest, then
// hashes the signed-attributes block under a momentary SET tag
// substitution (spec.md §4.6 step 1-3). hashToSign is SHA-256(signed
// attributes with SET tag).
func (e *Engine) patchSignedAttributes(t *Template, hash [32]byte) error {
	now := e.Now().UTC()
	year := now.Year()
	if year < 2013 || year >= 2050 {
		return newErr(ErrTimeOutOfRange)
	}
	signingTime := fmt.Sprintf("%02d%02d%02d%02d%02d%02dZ",
		year%100, int(now.Month()), now.Day(), now.Hour(), now.Minute(), now.Second())
	copy(t.Envelope[t.Header.SigningTimeOff:], []byte(signingTime))

	copy(t.Envelope[t.Header.MsgDigestOff:], hash[:])

	off := t.Header.SigAttrOff
	old := t.Envelope[off]
	t.Envelope[off] = 0x31 // DER SET tag
	sum := sha256.Sum256(t.Envelope[off : int(off)+int(t.Header.SigAttrLen)])
	t.Envelope[off] = old

	t.hashToSign = sum
	return nil
}

// patchRSA builds the PKCS#1 v1.5 padded block in place at SignatureOff
// and invokes the card's raw modular-exponentiation sign (spec.md §4.6
// step 4, RSA branch).
func (e *Engine) patchRSA(lk *lockedSlot, t *Template) error {
	size := int(t.Header.SignatureSize)
	sig := t.Envelope[t.Header.SignatureOff : int(t.Header.SignatureOff)+size]

	ix := size
	ix -= len(t.hashToSign)
	copy(sig[ix:], t.hashToSign[:])
	ix -= len(sha256DigestInfo)
	copy(sig[ix:], sha256DigestInfo)
	ix--
	sig[ix] = 0x00
	for i := 2; i < ix; i++ {
		sig[i] = 0xFF
	}
	sig[1] = 0x01
	sig[0] = 0x00

	resp, sw, err := lk.transmitAPDU(0x80, 0x68, byte(t.KeyFid), 0x20, sig, 256)
	if err != nil {
		return err
	}
	if !statusOK(sw) {
		return wrapErr(ErrDeviceError, mapStatus(sw), "RSA sign")
	}
	if len(resp) != size {
		return newErr(ErrTemplateMalformed)
	}
	copy(sig, resp)
	return nil
}

// patchECDSA drives the card's ECDSA sign and, if the returned signature
// is shorter than the reserved 72 bytes, walks the envelope adjusting
// every ancestor ASN.1 length field (spec.md §4.6 step 4, ECDSA branch;
// ported from sc-hsm-ultralite.c's PatchECDSATemplate).
func (e *Engine) patchECDSA(lk *lockedSlot, t *Template) error {
	resp, sw, err := lk.transmitAPDU(0x80, 0x68, byte(t.KeyFid), 0x70, t.hashToSign[:], 256)
	if err != nil {
		return err
	}
	if !statusOK(sw) {
		return wrapErr(ErrDeviceError, mapStatus(sw), "ECDSA sign")
	}
	if len(resp) < 70 || len(resp) > 72 {
		return newErr(ErrTemplateMalformed)
	}
	copy(t.Envelope[t.Header.SignatureOff:], resp)

	delta := 72 - len(resp)
	if delta == 0 {
		return nil
	}

	if err := shrinkASN1Ancestors(t.Envelope, int(t.Header.SignatureOff), delta); err != nil {
		return err
	}
	t.Header.EnvelopeLen -= uint16(delta)
	t.Envelope = t.Envelope[:t.Header.EnvelopeLen]
	return nil
}

// shrinkASN1Ancestors implements the fix-up walk of spec.md §4.6 step 4
// ECDSA branch: outer SEQUENCE/long-2, OID (skip), CONTEXT[0]/long-2,
// inner SEQUENCE/long-2, version INTEGER (skip), SET (skip), SEQUENCE
// (skip), CONTEXT[0]/long-2 (skip), SET/long-1, SEQUENCE/long-1, and the
// OCTET STRING length byte immediately preceding the signature.
func shrinkASN1Ancestors(env []byte, signatureOff, delta int) error {
	p := 0
	adjustLong2 := func(tag byte) error {
		if p+4 > len(env) || env[p] != tag || env[p+1] != 0x82 {
			return newErr(ErrTemplateMalformed)
		}
		l := int(env[p+2])<<8 | int(env[p+3])
		l -= delta
		env[p+2] = byte(l >> 8)
		env[p+3] = byte(l)
		p += 4
		return nil
	}
	skipShort := func(expect ...byte) error {
		if p+2 > len(env) {
			return newErr(ErrTemplateMalformed)
		}
		ok := false
		for _, e := range expect {
			if env[p] == e {
				ok = true
				break
			}
		}
		if !ok {
			return newErr(ErrTemplateMalformed)
		}
		p += 2 + int(env[p+1])
		return nil
	}

	if err := adjustLong2(0x30); err != nil { // outer SEQUENCE
		return err
	}
	if p >= len(env) || env[p] != 0x06 { // OID
		return newErr(ErrTemplateMalformed)
	}
	p += 2 + int(env[p+1])
	if err := adjustLong2(0xA0); err != nil { // CONTEXT [0]
		return err
	}
	if err := adjustLong2(0x30); err != nil { // inner SEQUENCE
		return err
	}
	if err := skipShort(0x02); err != nil { // version INTEGER
		return err
	}
	if err := skipShort(0x31); err != nil { // SET
		return err
	}
	if err := skipShort(0x30); err != nil { // SEQUENCE
		return err
	}
	// CONTEXT [0], long-form-2, skipped (certificates, not adjusted).
	if p+4 > len(env) || env[p] != 0xA0 || env[p+1] != 0x82 {
		return newErr(ErrTemplateMalformed)
	}
	p += 4 + (int(env[p+2])<<8 | int(env[p+3]))

	if p+3 > len(env) || env[p] != 0x31 || env[p+1] != 0x81 { // SET, long-1
		return newErr(ErrTemplateMalformed)
	}
	env[p+2] = byte(int(env[p+2]) - delta)
	p += 3

	if p+3 > len(env) || env[p] != 0x30 || env[p+1] != 0x81 { // SEQUENCE, long-1
		return newErr(ErrTemplateMalformed)
	}
	env[p+2] = byte(int(env[p+2]) - delta)

	if signatureOff-1 < 0 || signatureOff-1 >= len(env) {
		return newErr(ErrTemplateMalformed)
	}
	env[signatureOff-1] = byte(int(env[signatureOff-1]) - delta)
	return nil
}
