// Copyright 2016, 2017 Thales e-Security, Inc
// Copyright 2013, CardContact Systems GmbH, Minden, Germany
//
// Permission is hereby granted, free of charge, to any person obtaining
// a copy of this software and associated documentation files (the
// "Software"), to deal in the Software without restriction, including
// without limitation the rights to use, copy, modify, merge, publish,
// distribute, sublicense, and/or sell copies of the Software, and to
// permit persons to whom the Software is furnished to do so, subject to
// the following conditions:
//
// The above copyright notice and this permission notice shall be
// included in all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
// EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
// MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND
// NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE
// LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION
// OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION
// WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

// Package schsm11 exposes a cryptoki-like token interface in front of a
// smartcard HSM reached over ISO 7816 APDUs.
//
// Configuration
//
// A process talks to the library through a single Context, created with
// Initialize and torn down with Finalize. The Context owns a slot pool
// (one entry per reader, whether or not a card is present) and a session
// pool (one entry per application-visible login view onto a slot/token
// pair).
//
// Slots and sessions
//
// Slots are discovered by Update, which reconciles the pool against the
// live reader list reported by the transport. Slots are looked up and
// locked through FindAndLock, which pins the slot against concurrent
// destruction with a reference count before blocking on its mutex — see
// the Slot type for the full protocol. Sessions are opened against a
// slot with OpenSession and are the application's unit of login state;
// FindSessionAndLockSlot is the composite entry point used by every
// session-scoped operation.
//
// Concurrency
//
// All shared pools are guarded by their own mutex. Go has no reentrant
// mutex, so internal helpers that need the slot lock take a *lockedSlot
// instead of re-acquiring it; the only way to obtain one is through
// FindAndLock or FindSessionAndLockSlot, and release is always via
// defer. Two slot locks are never held at once, and pool locks are
// always released before a slot lock is acquired.
//
// Template-based signing
//
// The template engine (template.go) discovers a key/template file pair
// by label, validates the template's binary header, and patches a
// cached copy with a fresh signing time, message digest and signature on
// every Sign call, avoiding CMS construction from scratch. See Engine
// for details and the header layout it enforces.
package schsm11
