package gic

import "testing"

func TestRouterSPIRoutingRequiresEnable(t *testing.T) {
	r := NewRouter(2, nil)
	r.GICD.SetRoute(5, 1)
	r.InjectSPI(5)
	if r.HasPending(1) {
		t.Fatalf("disabled SPI must not become pending")
	}
	r.GICD.SetEnabled(5, true)
	r.InjectSPI(5)
	if !r.HasPending(1) {
		t.Fatalf("enabled, routed SPI should be pending on vCPU 1")
	}
	if r.HasPending(0) {
		t.Fatalf("SPI routed to vCPU 1 must not show pending on vCPU 0")
	}
}

func TestRouterSGIBroadcastExcludesSelf(t *testing.T) {
	r := NewRouter(3, nil)
	r.InjectSGI(SGI{INTID: 2, IRM: true}, 1)
	for i := 0; i < 3; i++ {
		want := i != 1
		if got := r.HasPending(i); got != want {
			t.Fatalf("vCPU %d: HasPending = %v, want %v (broadcast must skip the caller)", i, got, want)
		}
	}
}

func TestRouterFlushPendingOrdersSGIBeforeSPI(t *testing.T) {
	r := NewRouter(1, nil)
	r.GICD.SetEnabled(7, true)
	r.GICD.SetRoute(7, 0)
	r.InjectSPI(7)
	r.InjectSGI(SGI{INTID: 3, TargetList: 0x1}, 0)

	if err := r.FlushPending(0); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	pending := r.lrSets[0].Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 entries flushed into list registers, got %d", len(pending))
	}
	if !pending[0].IsSGI {
		t.Fatalf("SGI must occupy the first list register slot, got %+v", pending[0])
	}
}
