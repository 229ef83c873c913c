package core

import "testing"

func TestPortManager_ReserveThenConflict(t *testing.T) {
	pm := NewPortManager()

	port, ok := pm.Reserve(DynamicPortStart, "svc-a")
	if !ok || port != DynamicPortStart {
		t.Fatalf("expected to reserve %d, got %d ok=%v", DynamicPortStart, port, ok)
	}

	if _, ok := pm.Reserve(DynamicPortStart, "svc-b"); ok {
		t.Error("expected a second service to fail reserving an already-held port")
	}

	if port, ok := pm.Reserve(DynamicPortStart, "svc-a"); !ok || port != DynamicPortStart {
		t.Error("expected the same service to re-reserve its own port idempotently")
	}
}

func TestPortManager_ReserveOrFind_FallsBackToDynamicRange(t *testing.T) {
	pm := NewPortManager()

	pm.allocated[DynamicPortStart] = "already-held"

	port, err := pm.ReserveOrFind(DynamicPortStart, "svc-a")
	if err != nil {
		t.Fatalf("ReserveOrFind returned error: %v", err)
	}
	if port == DynamicPortStart {
		t.Error("expected ReserveOrFind to skip the already-held preferred port")
	}
	if port < DynamicPortStart || port > DynamicPortEnd {
		t.Errorf("expected a port in the dynamic range, got %d", port)
	}
}

func TestPortManager_Release_FreesPortForReuse(t *testing.T) {
	pm := NewPortManager()
	port, ok := pm.Reserve(DynamicPortStart, "svc-a")
	if !ok {
		t.Fatal("expected initial reserve to succeed")
	}
	pm.Release(port)

	if _, ok := pm.Reserve(port, "svc-b"); !ok {
		t.Error("expected a released port to be reservable by a different service")
	}
}

func TestPortManager_GetAllocated_ReturnsSnapshot(t *testing.T) {
	pm := NewPortManager()
	pm.Reserve(DynamicPortStart, "svc-a")

	snap := pm.GetAllocated()
	if snap[DynamicPortStart] != "svc-a" {
		t.Errorf("expected snapshot to contain svc-a, got %v", snap)
	}

	snap[DynamicPortStart] = "mutated"
	if pm.allocated[DynamicPortStart] != "svc-a" {
		t.Error("expected GetAllocated to return a copy, not the live map")
	}
}

func TestResolveAllPorts_SetsCurrentPortConfig(t *testing.T) {
	pm := NewPortManager()
	cfg, err := pm.ResolveAllPorts()
	if err != nil {
		t.Fatalf("ResolveAllPorts returned error: %v", err)
	}
	if cfg.API == 0 || cfg.NATS == 0 {
		t.Fatalf("expected both ports resolved, got %+v", cfg)
	}
	if got := GetCurrentPortConfig(); got.API != cfg.API || got.NATS != cfg.NATS {
		t.Errorf("expected GetCurrentPortConfig to reflect ResolveAllPorts result, got %+v", got)
	}
}
