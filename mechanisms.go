package schsm11

import "github.com/miekg/pkcs11"

// MechanismInfo mirrors pkcs11.MechanismInfo's shape: the key-size bounds
// and flags a host queries before using a mechanism (spec.md §6).
type MechanismInfo struct {
	MinKeySize uint
	MaxKeySize uint
	Flags      uint
}

// mechanismTable is the fixed mechanism list the core advertises (spec.md
// §6): RSA raw/PKCS/PSS/hash-and-sign variants plus ECDSA, all realised
// through the template engine rather than a general-purpose crypto
// provider — there is no CKM_*_KEY_PAIR_GEN entry because on-card key
// generation is a Non-goal.
var mechanismTable = map[uint]MechanismInfo{
	pkcs11.CKM_RSA_X_509: {MinKeySize: 1024, MaxKeySize: 2048, Flags: pkcs11.CKF_SIGN},
	pkcs11.CKM_RSA_PKCS:  {MinKeySize: 1024, MaxKeySize: 2048, Flags: pkcs11.CKF_SIGN},
	pkcs11.CKM_SHA1_RSA_PKCS: {
		MinKeySize: 1024, MaxKeySize: 2048, Flags: pkcs11.CKF_SIGN,
	},
	pkcs11.CKM_SHA256_RSA_PKCS: {
		MinKeySize: 1024, MaxKeySize: 2048, Flags: pkcs11.CKF_SIGN,
	},
	pkcs11.CKM_SHA1_RSA_PKCS_PSS: {
		MinKeySize: 1024, MaxKeySize: 2048, Flags: pkcs11.CKF_SIGN,
	},
	pkcs11.CKM_SHA256_RSA_PKCS_PSS: {
		MinKeySize: 1024, MaxKeySize: 2048, Flags: pkcs11.CKF_SIGN,
	},
	pkcs11.CKM_ECDSA: {
		MinKeySize: 192, MaxKeySize: 320, Flags: pkcs11.CKF_SIGN,
	},
	pkcs11.CKM_ECDSA_SHA1: {
		MinKeySize: 192, MaxKeySize: 320, Flags: pkcs11.CKF_SIGN,
	},
}

// GetMechanismList returns the mechanism types the slot's token supports
// (spec.md §6). The list does not depend on slotID's token state since
// every SmartCard-HSM exposes the same fixed set; it is still
// slot-scoped, matching the shape a host expects from the cryptoki
// contract.
func (ctx *Context) GetMechanismList(slotID SlotID) ([]uint, error) {
	lk, err := ctx.slots.FindAndLock(slotID)
	if err != nil {
		return nil, err
	}
	defer lk.release()

	out := make([]uint, 0, len(mechanismTable))
	for m := range mechanismTable {
		out = append(out, m)
	}
	return out, nil
}

// GetMechanismInfo returns the key-size bounds and flags for mechanism
// (spec.md §6).
func (ctx *Context) GetMechanismInfo(slotID SlotID, mechanism uint) (MechanismInfo, error) {
	lk, err := ctx.slots.FindAndLock(slotID)
	if err != nil {
		return MechanismInfo{}, err
	}
	defer lk.release()

	info, ok := mechanismTable[mechanism]
	if !ok {
		return MechanismInfo{}, newErr(ErrArgumentsBad)
	}
	return info, nil
}
