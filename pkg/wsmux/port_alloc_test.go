package wsmux

import (
	"errors"
	"testing"
)

func TestPortAllocatorParity(t *testing.T) {
	client := newPortAllocator(RoleClient)
	server := newPortAllocator(RoleServer)
	for i := 0; i < 1000; i++ {
		p, err := client.alloc()
		if err != nil {
			t.Fatalf("client alloc failed: %s", err)
		}
		if p&1 != 1 {
			t.Fatalf("client allocated even port %d", p)
		}
		p, err = server.alloc()
		if err != nil {
			t.Fatalf("server alloc failed: %s", err)
		}
		if p == 0 {
			t.Fatalf("server allocated reserved port 0")
		}
		if p&1 != 0 {
			t.Fatalf("server allocated odd port %d", p)
		}
	}
}

func TestPortAllocatorUniqueAndReuse(t *testing.T) {
	a := newPortAllocator(RoleClient)
	seen := make(map[uint32]bool)
	ports := make([]uint32, 0, 100)
	for i := 0; i < 100; i++ {
		p, err := a.alloc()
		if err != nil {
			t.Fatalf("alloc failed: %s", err)
		}
		if seen[p] {
			t.Fatalf("port %d allocated twice", p)
		}
		seen[p] = true
		ports = append(ports, p)
	}
	for _, p := range ports {
		if !a.inUse(p) {
			t.Fatalf("port %d not marked in use", p)
		}
		a.free(p)
		if a.inUse(p) {
			t.Fatalf("port %d still in use after free", p)
		}
	}
	// freed ports must become allocatable again
	total := a.size
	for i := uint(0); i < total; i++ {
		if _, err := a.alloc(); err != nil {
			t.Fatalf("alloc %d of %d failed after free cycle: %s", i, total, err)
		}
	}
	if _, err := a.alloc(); !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("expected ErrPortExhausted, got %v", err)
	}
}

func TestPortAllocatorExhaustion(t *testing.T) {
	a := newPortAllocator(RoleServer)
	// one slot is reserved for port 0
	for i := uint(0); i < a.size-1; i++ {
		if _, err := a.alloc(); err != nil {
			t.Fatalf("alloc %d failed: %s", i, err)
		}
	}
	if _, err := a.alloc(); !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("expected ErrPortExhausted, got %v", err)
	}
	a.free(42)
	p, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc after free failed: %s", err)
	}
	if p != 42 {
		t.Fatalf("expected freed port 42 to be reissued, got %d", p)
	}
}
