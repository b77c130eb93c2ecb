// File: core/coro/optable.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Arena of in-flight I/O operation slots. A slot's tag packs its index in
// the low 32 bits and a 31-bit generation above it, so a stale completion
// never matches a reused slot.

package coro

const genMask = 1<<31 - 1

// opWait is owned by the awaiting task; the arena only points at it.
type opWait struct {
	co   *coroutine
	res  int32
	done bool
}

type opSlot struct {
	gen    uint32
	live   bool
	linked bool
	wait   *opWait
}

type opTable struct {
	slots []opSlot
	free  []uint32
	live  int
}

func (t *opTable) alloc(w *opWait, linked bool) uint64 {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, opSlot{})
	}
	s := &t.slots[idx]
	s.live = true
	s.linked = linked
	s.wait = w
	t.live++
	return uint64(s.gen)<<32 | uint64(idx)
}

func (t *opTable) lookup(tag uint64) (*opSlot, uint32, bool) {
	idx := uint32(tag)
	if int(idx) >= len(t.slots) {
		return nil, 0, false
	}
	s := &t.slots[idx]
	if !s.live || uint64(s.gen) != tag>>32 {
		return nil, 0, false
	}
	return s, idx, true
}

func (t *opTable) release(idx uint32) {
	s := &t.slots[idx]
	s.live = false
	s.linked = false
	s.wait = nil
	s.gen = (s.gen + 1) & genMask
	t.free = append(t.free, idx)
	t.live--
}

// orphan detaches the waiter from a slot whose task went away. The slot
// stays allocated until its completion arrives.
func (t *opTable) orphan(tag uint64) {
	if s, _, ok := t.lookup(tag); ok {
		s.wait = nil
	}
}
