package gic

import "testing"

func TestListRegisterOrderingSGIBeforeSPI(t *testing.T) {
	var l ListRegisterSet
	l.Fill(LRState{INTID: 5, IsSGI: false})
	l.Fill(LRState{INTID: 1, IsSGI: true})

	pending := l.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(pending))
	}
	if !pending[0].IsSGI || pending[0].INTID != 1 {
		t.Fatalf("expected SGI 1 to occupy the first slot, got %+v", pending[0])
	}
}

func TestListRegisterFIFOWithinCategory(t *testing.T) {
	var l ListRegisterSet
	l.Fill(LRState{INTID: 10, IsSGI: false})
	l.Fill(LRState{INTID: 20, IsSGI: false})
	l.Fill(LRState{INTID: 30, IsSGI: false})

	pending := l.Pending()
	want := []uint32{10, 20, 30}
	for i, w := range want {
		if pending[i].INTID != w {
			t.Fatalf("FIFO order violated: got %v, want %v", pending, want)
		}
	}
}

func TestListRegisterSaturationQueuesOverflow(t *testing.T) {
	var l ListRegisterSet
	for i := uint32(0); i < NumListRegisters+1; i++ {
		l.Fill(LRState{INTID: i, IsSGI: false})
	}
	if l.Len() != NumListRegisters+1 {
		t.Fatalf("Len() = %d, want %d (4 slotted + 1 overflow)", l.Len(), NumListRegisters+1)
	}
	if len(l.Pending()) != NumListRegisters {
		t.Fatalf("expected exactly %d slotted entries, got %d", NumListRegisters, len(l.Pending()))
	}

	l.Free(0)
	pending := l.Pending()
	found := false
	for _, p := range pending {
		if p.INTID == 4 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the 5th interrupt (INTID 4) to drain into the freed slot, got %+v", pending)
	}
}
