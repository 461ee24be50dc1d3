package discovery

import (
	"fmt"
	"testing"

	"github.com/bx-d/rpcmux/connctx"
)

var testInstances = []Instance{
	{Transport: connctx.TCP, Addr: ":8001", Weight: 10},
	{Transport: connctx.TCP, Addr: ":8002", Weight: 5},
	{Transport: connctx.TCP, Addr: ":8003", Weight: 10},
}

func TestRoundRobinCyclesAndWraps(t *testing.T) {
	b := &RoundRobinBalancer{}
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Addr
	}
	inst, _ := b.Pick(testInstances)
	if inst.Addr != results[0] {
		t.Fatalf("expected wrap-around to %s, got %s", results[0], inst.Addr)
	}
}

func TestRoundRobinEmptyInstances(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); err != ErrNoInstances {
		t.Fatalf("got %v, want ErrNoInstances", err)
	}
}

func TestWeightedRandomRoughlyMatchesWeightRatio(t *testing.T) {
	b := &WeightedRandomBalancer{}
	counts := map[string]int{}
	const n = 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, want ~2.0", ratio)
	}
}

func TestConsistentHashStableForSameKey(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, inst := range testInstances {
		b.Add(inst)
	}
	first, err := b.PickForKey("user-123")
	if err != nil {
		t.Fatal(err)
	}
	second, _ := b.PickForKey("user-123")
	if first.Addr != second.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", first.Addr, second.Addr)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.PickForKey(fmt.Sprintf("key-%d", i))
		seen[inst.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected at least 2 distinct instances across 100 keys, got %d", len(seen))
	}
}
