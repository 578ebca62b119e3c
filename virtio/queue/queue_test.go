// VirtIO 1.0 split-ring virtqueue tests
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package queue

import "testing"

func newTestQueue(t *testing.T, n int, eventIdx bool) *Queue {
	t.Helper()

	layout := ComputeLayout(n, 4096, eventIdx)
	mem := make([]byte, layout.Size)

	q, err := New(n, 4096, mem, 0x1000, eventIdx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	mem := make([]byte, ComputeLayout(8, 4096, false).Size)
	if _, err := New(3, 4096, mem, 0, false); err == nil {
		t.Fatal("expected error for non-power-of-two size")
	} else if kind, ok := KindOf(err); !ok || kind != Invalid {
		t.Fatalf("KindOf = %v, %v, want Invalid, true", kind, ok)
	}
}

func TestSubmitDirectRoundTrip(t *testing.T) {
	q := newTestQueue(t, 8, false)

	out := []Buffer{{Addr: 0x1000, Len: 64}}
	in := []Buffer{{Addr: 0x2000, Len: 128}}

	if err := q.Submit(out, in, "token-1", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got := q.NumFree(); got != 6 {
		t.Fatalf("NumFree = %d, want 6", got)
	}

	// Simulate the host consuming the chain: read the avail ring slot
	// the driver just published, then post a used-ring completion for
	// that head with an arbitrary length.
	availIdx := loadU16(q.avail, ringOffIdx)
	if availIdx != 1 {
		t.Fatalf("avail.idx = %d, want 1", availIdx)
	}

	head := loadU16(q.avail, ringOffRing)
	off := ringOffRing
	storeU32(q.used, off, uint32(head))
	storeU32(q.used, off+4, 192)
	storeU16(q.used, ringOffIdx, 1)

	token, length, ok := q.Reap()
	if !ok {
		t.Fatal("Reap returned ok=false, want true")
	}
	if token != "token-1" {
		t.Fatalf("token = %v, want token-1", token)
	}
	if length != 192 {
		t.Fatalf("length = %d, want 192", length)
	}
	if got := q.NumFree(); got != 8 {
		t.Fatalf("NumFree after reap = %d, want 8", got)
	}

	if _, _, ok := q.Reap(); ok {
		t.Fatal("second Reap returned ok=true, want false")
	}
}

func TestSubmitNoSpace(t *testing.T) {
	q := newTestQueue(t, 4, false)

	out := make([]Buffer, 5)
	if err := q.Submit(out, nil, "x", nil); err == nil {
		t.Fatal("expected NoSpace error")
	} else if kind, ok := KindOf(err); !ok || kind != NoSpace {
		t.Fatalf("KindOf = %v, %v, want NoSpace, true", kind, ok)
	}

	if got := q.NumFree(); got != 4 {
		t.Fatalf("NumFree after failed submit = %d, want unchanged 4", got)
	}
}

func TestSubmitIndirectUsesOneDescriptor(t *testing.T) {
	q := newTestQueue(t, 4, false)

	indirect := &Indirect{Phys: 0x5000, Mem: make([]byte, IndirectCapacity(4096)*descSize)}

	out := []Buffer{{Addr: 0x10, Len: 1}, {Addr: 0x20, Len: 2}}
	in := []Buffer{{Addr: 0x30, Len: 3}}

	if err := q.Submit(out, in, "ind", indirect); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got := q.NumFree(); got != 3 {
		t.Fatalf("NumFree = %d, want 3 (one descriptor consumed)", got)
	}

	head := loadU16(q.avail, ringOffRing)
	if flags := q.descFlags(head); flags != DescIndirect {
		t.Fatalf("head flags = %#x, want DescIndirect", flags)
	}
}

func TestSubmitIndirectSkippedWithoutPage(t *testing.T) {
	q := newTestQueue(t, 4, false)

	out := []Buffer{{Addr: 0x10, Len: 1}, {Addr: 0x20, Len: 2}}

	if err := q.Submit(out, nil, "direct", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got := q.NumFree(); got != 2 {
		t.Fatalf("NumFree = %d, want 2 (direct path consumed 2)", got)
	}
}

func TestVringNeedEvent(t *testing.T) {
	cases := []struct {
		event, newIdx, old uint16
		want               bool
	}{
		{event: 5, newIdx: 10, old: 0, want: true},
		{event: 20, newIdx: 10, old: 0, want: false},
		{event: 0, newIdx: 1, old: 0, want: true},
		// wraparound: old and new straddle the 16-bit rollover.
		{event: 0xfffe, newIdx: 2, old: 0xfffd, want: true},
	}

	for _, c := range cases {
		if got := vringNeedEvent(c.event, c.newIdx, c.old); got != c.want {
			t.Errorf("vringNeedEvent(%d,%d,%d) = %v, want %v", c.event, c.newIdx, c.old, got, c.want)
		}
	}
}

func TestKickPrepareWithoutEventIdx(t *testing.T) {
	q := newTestQueue(t, 4, false)

	if err := q.Submit([]Buffer{{Addr: 1, Len: 1}}, nil, "a", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if kick := q.KickPrepare(); !kick {
		t.Fatal("KickPrepare = false, want true (NO_NOTIFY clear)")
	}

	storeU16(q.used, ringOffFlags, UsedNoNotify)
	if err := q.Submit([]Buffer{{Addr: 2, Len: 1}}, nil, "b", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if kick := q.KickPrepare(); kick {
		t.Fatal("KickPrepare = true, want false (NO_NOTIFY set)")
	}
}

func TestKickPrepareUsesShadowIndexAcrossCalls(t *testing.T) {
	q := newTestQueue(t, 8, true)

	if err := q.Submit([]Buffer{{Addr: 1, Len: 1}}, nil, "a", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Host declares it wants to be notified once idx passes 0: the
	// very first publish (old=0, new=1) must trigger a kick.
	storeU16(q.used, q.availEventOff(), 0)

	if kick := q.KickPrepare(); !kick {
		t.Fatal("KickPrepare = false, want true for first publish past threshold 0")
	}

	// numAdded was reset; a second submit with the threshold already
	// passed should not require another kick.
	storeU16(q.used, q.availEventOff(), 0)
	if err := q.Submit([]Buffer{{Addr: 2, Len: 1}}, nil, "b", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if kick := q.KickPrepare(); kick {
		t.Fatal("KickPrepare = true, want false once threshold already passed")
	}
}

func TestEnableCBReportsPendingCompletions(t *testing.T) {
	q := newTestQueue(t, 4, false)

	// With nothing posted to the used ring yet, EnableCB reports the
	// re-arm as clean: lastUsed already matches used.idx.
	if clean := q.EnableCB(); !clean {
		t.Fatal("EnableCB = false, want true: nothing pending yet")
	}

	if err := q.Submit([]Buffer{{Addr: 1, Len: 1}}, nil, "a", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	head := loadU16(q.avail, ringOffRing)
	storeU32(q.used, ringOffRing, uint32(head))
	storeU32(q.used, ringOffRing+4, 1)
	storeU16(q.used, ringOffIdx, 1)

	// A completion arrived after the last Reap: EnableCB must report
	// this as not-clean so the caller reaps immediately rather than
	// waiting on an interrupt that already fired in spirit.
	if clean := q.EnableCB(); clean {
		t.Fatal("EnableCB = true, want false: a completion is already waiting")
	}
}

func TestDisableCBSetsShadowFlag(t *testing.T) {
	q := newTestQueue(t, 4, false)

	if q.InterruptEnabled() != true {
		t.Fatal("new queue should start with interrupts enabled")
	}

	q.DisableCB()

	if q.InterruptEnabled() {
		t.Fatal("InterruptEnabled = true after DisableCB, want false")
	}
	if flags := q.availFlags(); flags&AvailNoInterrupt == 0 {
		t.Fatal("shared avail flags did not mirror NO_INTERRUPT")
	}
}

func TestDetachUnusedRecoversToken(t *testing.T) {
	q := newTestQueue(t, 4, false)

	if err := q.Submit([]Buffer{{Addr: 1, Len: 1}}, nil, "outstanding", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	token, ok := q.DetachUnused()
	if !ok {
		t.Fatal("DetachUnused returned ok=false, want true")
	}
	if token != "outstanding" {
		t.Fatalf("token = %v, want outstanding", token)
	}
	if got := q.NumFree(); got != 4 {
		t.Fatalf("NumFree = %d, want 4", got)
	}

	if _, ok := q.DetachUnused(); ok {
		t.Fatal("second DetachUnused returned ok=true, want false")
	}
}

func TestShutdownReinitializesFreeList(t *testing.T) {
	q := newTestQueue(t, 4, false)

	if err := q.Submit([]Buffer{{Addr: 1, Len: 1}}, nil, "a", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	q.Shutdown()

	if got := q.NumFree(); got != 4 {
		t.Fatalf("NumFree after Shutdown = %d, want 4", got)
	}
	if err := q.Submit([]Buffer{{Addr: 1, Len: 1}}, nil, "b", nil); err != nil {
		t.Fatalf("Submit after Shutdown: %v", err)
	}
}

func TestSixteenBitWraparoundReap(t *testing.T) {
	q := newTestQueue(t, 4, false)

	// Drive lastUsed/shadowAvailIdx close to wraparound and confirm
	// Reap still pairs slots correctly across the 16-bit rollover.
	q.lastUsed = 0xffff
	q.shadowAvailIdx = 0xffff
	storeU16(q.avail, ringOffIdx, 0xffff)
	storeU16(q.used, ringOffIdx, 0xffff)

	if err := q.Submit([]Buffer{{Addr: 1, Len: 1}}, nil, "wrap", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if q.shadowAvailIdx != 0 {
		t.Fatalf("shadowAvailIdx = %#x, want 0", q.shadowAvailIdx)
	}

	head := loadU16(q.avail, ringOffRing+int(0xffff%q.size)*2)
	slot := uint16(0xffff) % q.size
	storeU32(q.used, ringOffRing+int(slot)*usedElemSize, uint32(head))
	storeU32(q.used, ringOffRing+int(slot)*usedElemSize+4, 7)
	storeU16(q.used, ringOffIdx, 0)

	token, length, ok := q.Reap()
	if !ok {
		t.Fatal("Reap ok=false across wraparound, want true")
	}
	if token != "wrap" || length != 7 {
		t.Fatalf("Reap = %v, %d, want wrap, 7", token, length)
	}
	if q.lastUsed != 0 {
		t.Fatalf("lastUsed = %#x, want 0", q.lastUsed)
	}
}

func TestIndirectCapacity(t *testing.T) {
	if got := IndirectCapacity(4096); got != 256 {
		t.Fatalf("IndirectCapacity(4096) = %d, want 256", got)
	}
}

func TestReapPanicsOnCorruptUsedId(t *testing.T) {
	q := newTestQueue(t, 4, false)

	if err := q.Submit([]Buffer{{Addr: 1, Len: 1}}, nil, "a", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A misbehaving host posts a completion naming a descriptor id
	// beyond the queue's size: this is a protocol violation Reap must
	// not silently index past the opaque/descriptor arrays for.
	storeU32(q.used, ringOffRing, 99)
	storeU32(q.used, ringOffRing+4, 1)
	storeU16(q.used, ringOffIdx, 1)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Reap did not panic on out-of-range used descriptor id")
		}
	}()

	q.Reap()
}
