package port

import (
	"fmt"
	"net"
	"testing"
)

func TestAllocateInRange(t *testing.T) {
	a := NewAllocator(20000, 20100)
	port, err := a.Allocate("session-1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port < 20000 || port > 20100 {
		t.Errorf("port %d outside range 20000-20100", port)
	}
}

func TestAllocateIdempotent(t *testing.T) {
	a := NewAllocator(20000, 20100)
	p1, err := a.Allocate("s")
	if err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	p2, err := a.Allocate("s")
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if p1 != p2 {
		t.Errorf("idempotent allocate returned different ports: %d vs %d", p1, p2)
	}
}

func TestAllocateDifferentSessions(t *testing.T) {
	a := NewAllocator(20000, 20100)
	p1, _ := a.Allocate("a")
	p2, _ := a.Allocate("b")
	if p1 == p2 {
		t.Errorf("two sessions got same port: %d", p1)
	}
	if a.Len() != 2 {
		t.Errorf("Len = %d, want 2", a.Len())
	}
}

func TestReleaseAndReuse(t *testing.T) {
	a := NewAllocator(20000, 20000)
	p1, err := a.Allocate("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate("b"); err == nil {
		t.Fatal("expected exhaustion with single-port range")
	}

	a.Release("a")
	if a.Port("a") != 0 {
		t.Error("expected no port after release")
	}
	p2, err := a.Allocate("b")
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if p1 != p2 {
		t.Errorf("expected released port %d to be reused, got %d", p1, p2)
	}
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	a := NewAllocator(20000, 20100)
	a.Release("missing")
	if a.Len() != 0 {
		t.Error("expected empty allocator")
	}
}

func TestSkipsPortsInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	a := NewAllocator(busy, busy)
	if _, err := a.Allocate("s"); err == nil {
		t.Errorf("expected error, port %d is bound", busy)
	}
}

func TestRangeExhaustion(t *testing.T) {
	a := NewAllocator(20000, 20004)
	for i := 0; i < 5; i++ {
		if _, err := a.Allocate(fmt.Sprintf("s%d", i)); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}
	if _, err := a.Allocate("overflow"); err == nil {
		t.Error("expected range exhaustion error")
	}
}
