package schsm11

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ISO 7816 status words the core classifies explicitly (spec.md §4.7, §6).
const (
	swSuccess         uint16 = 0x9000
	swEndOfFile       uint16 = 0x6282
	swWrongLength     uint16 = 0x6700
	swAuthBlocked     uint16 = 0x6982
	swInsufficientBuf uint16 = 0x6c00 // low byte carries the correct Le, masked off by callers
)

// maxShortPayload is the largest Lc/Le that fits the short APDU form.
const maxShortPayload = 255

// maxTransmitPayload bounds a single file-read chunk when loadTemplate
// streams the envelope (spec.md §4.6 "chunks no larger than the
// transport's maximum-payload constant"); writeFileAPDU's chunk limit is
// six bytes less.
const maxTransmitPayload = 256

// encodeAPDU builds a command APDU in short or extended form, following
// spec.md §4.7: short form is used whenever outLen <= 255 and expected
// <= 256, with the ambiguous (outLen=0, expected=256) case resolved to
// short form with a single zero Le byte.
func encodeAPDU(cla, ins, p1, p2 byte, out []byte, expected int) []byte {
	header := []byte{cla, ins, p1, p2}

	useShort := len(out) <= maxShortPayload && expected <= 256

	if useShort {
		apdu := make([]byte, 0, 4+1+len(out)+1)
		apdu = append(apdu, header...)
		if len(out) > 0 {
			apdu = append(apdu, byte(len(out)))
			apdu = append(apdu, out...)
		}
		if expected > 0 {
			if expected == 256 {
				apdu = append(apdu, 0x00)
			} else {
				apdu = append(apdu, byte(expected))
			}
		}
		return apdu
	}

	apdu := make([]byte, 0, 4+3+len(out)+2)
	apdu = append(apdu, header...)
	apdu = append(apdu, 0x00) // extended-form marker
	if len(out) > 0 {
		lc := make([]byte, 2)
		binary.BigEndian.PutUint16(lc, uint16(len(out)))
		apdu = append(apdu, lc...)
		apdu = append(apdu, out...)
	} else if expected > 0 {
		apdu = append(apdu, 0x00, 0x00)
	}
	if expected > 0 {
		le := make([]byte, 2)
		if expected >= 65536 {
			expected = 0
		}
		binary.BigEndian.PutUint16(le, uint16(expected))
		apdu = append(apdu, le...)
	}
	return apdu
}

// splitStatus separates the trailing SW1/SW2 from a raw response.
func splitStatus(resp []byte) ([]byte, uint16, error) {
	if len(resp) < 2 {
		return nil, 0, errors.New("response shorter than status word")
	}
	n := len(resp)
	sw := uint16(resp[n-2])<<8 | uint16(resp[n-1])
	return resp[:n-2], sw, nil
}

// statusOK reports whether sw is one of the two success codes the core
// accepts (spec.md §4.7).
func statusOK(sw uint16) bool {
	return sw == swSuccess || sw == swEndOfFile
}

// mapStatus turns a non-success status word into the matching CKError
// kind (spec.md §6/§7). Callers that need a more specific kind (e.g. PIN
// verification's "attempts left" counter) inspect sw directly instead of
// calling this.
func mapStatus(sw uint16) error {
	switch {
	case sw&0xff00 == 0x6c00:
		return newErr(ErrBufferTooSmall)
	case sw == swAuthBlocked:
		return newErr(ErrFunctionFailed)
	case sw == swWrongLength:
		return newErr(ErrArgumentsBad)
	default:
		return &CKError{Kind: ErrDeviceError, Cause: errors.Errorf("card status %04X", sw)}
	}
}

// --- APDU constructors for the HSM command set used by the core (spec.md §6) ---

// hsmAID is the 11-byte application identifier selecting the HSM application.
var hsmAID = []byte{0xE8, 0x2B, 0x06, 0x01, 0x04, 0x01, 0x81, 0xC3, 0x1F, 0x02, 0x01}

func selectApplicationAPDU() []byte {
	return encodeAPDU(0x00, 0xA4, 0x04, 0x0C, hsmAID, 0)
}

func verifyUserPINAPDU(pin []byte) []byte {
	return encodeAPDU(0x00, 0x20, 0x00, 0x81, pin, 0)
}

func enumerateObjectsAPDU() []byte {
	return encodeAPDU(0x80, 0x58, 0x00, 0x00, nil, 256)
}

// readFileData builds the tag/length/offset TLV shared by readFileAPDU
// and the template engine's direct transmitAPDU calls (spec.md §6): the
// target file is already named by P1/P2, so this carries only the
// offset.
func readFileData(off uint16) []byte {
	return []byte{0x54, 0x02, byte(off >> 8), byte(off)}
}

// readFileAPDU reads up to le bytes of fid starting at off.
func readFileAPDU(fid uint16, off uint16, le int) []byte {
	return encodeAPDU(0x00, 0xB1, byte(fid>>8), byte(fid), readFileData(off), le)
}

// writeFileAPDU writes chunk at off of fid. len(chunk) must not exceed
// maxTransmitPayload-6 (spec.md §6).
func writeFileAPDU(fid uint16, off uint16, chunk []byte) []byte {
	data := make([]byte, 0, 6+1+1+len(chunk))
	data = append(data, 0x54, 0x02, byte(off>>8), byte(off))
	data = append(data, 0x53, byte(len(chunk)))
	data = append(data, chunk...)
	return encodeAPDU(0x00, 0xD7, byte(fid>>8), byte(fid), data, 0)
}

func rsaSignAPDU(keyFid uint16, padded []byte) []byte {
	return encodeAPDU(0x80, 0x68, byte(keyFid), 0x20, padded, 256)
}

func ecdsaSignAPDU(keyFid uint16, hash []byte) []byte {
	return encodeAPDU(0x80, 0x68, byte(keyFid), 0x70, hash, 256)
}
