package common

import (
	"testing"
	"time"
)

func TestEpochOf(t *testing.T) {
	genesis := time.Unix(1_000_000, 0)
	length := time.Hour

	if got := EpochOf(genesis, genesis, length); got != 0 {
		t.Fatalf("expected epoch 0 at genesis, got %d", got)
	}
	if got := EpochOf(genesis.Add(-time.Minute), genesis, length); got != 0 {
		t.Fatalf("expected epoch 0 before genesis, got %d", got)
	}
	if got := EpochOf(genesis.Add(59*time.Minute), genesis, length); got != 0 {
		t.Fatalf("expected epoch 0 within first window, got %d", got)
	}
	if got := EpochOf(genesis.Add(time.Hour), genesis, length); got != 1 {
		t.Fatalf("expected epoch 1 at boundary, got %d", got)
	}
	if got := EpochOf(genesis.Add(25*time.Hour), genesis, length); got != 25 {
		t.Fatalf("expected epoch 25, got %d", got)
	}
	if got := EpochOf(genesis.Add(time.Hour), genesis, 0); got != 0 {
		t.Fatalf("expected epoch 0 with zero length, got %d", got)
	}
}

func TestPauseRegistryGuard(t *testing.T) {
	reg := NewPauseRegistry()
	if err := Guard(reg, "lending"); err != nil {
		t.Fatalf("unexpected guard failure: %v", err)
	}
	reg.SetPaused("lending", true)
	if err := Guard(reg, "lending"); err != ErrModulePaused {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	reg.SetPaused("lending", false)
	if err := Guard(reg, "lending"); err != nil {
		t.Fatalf("unexpected guard failure after unpause: %v", err)
	}
}
