package telegram

import (
	"context"
	"sync"
	"testing"
)

func TestCurrent_Empty(t *testing.T) {
	dc := Current(context.Background())
	if dc != (DeliveryContext{}) {
		t.Fatalf("expected zero context, got %+v", dc)
	}
}

func TestWithPartial_InheritAndOverlay(t *testing.T) {
	ctx := With(context.Background(), DeliveryContext{
		DeliveryID: "d1",
		AccountID:  "acc",
		ChatID:     "123",
		Operation:  "sendMessage",
	})

	child := WithPartial(ctx, DeliveryContext{Operation: "sendVoice"})
	dc := Current(child)
	if dc.AccountID != "acc" || dc.ChatID != "123" {
		t.Fatalf("inherited fields lost: %+v", dc)
	}
	if dc.Operation != "sendVoice" {
		t.Fatalf("overlay not applied: %+v", dc)
	}
	// A fresh delivery id is assigned when none is supplied.
	if dc.DeliveryID == "" || dc.DeliveryID == "d1" {
		t.Fatalf("delivery id not refreshed: %q", dc.DeliveryID)
	}

	// Supplying a delivery id wins.
	dc = Current(WithPartial(ctx, DeliveryContext{DeliveryID: "d2"}))
	if dc.DeliveryID != "d2" {
		t.Fatalf("supplied delivery id ignored: %q", dc.DeliveryID)
	}

	// The parent binding is untouched.
	if got := Current(ctx); got.DeliveryID != "d1" || got.Operation != "sendMessage" {
		t.Fatalf("parent mutated: %+v", got)
	}
}

func TestWith_NestedShadowing(t *testing.T) {
	outer := With(context.Background(), DeliveryContext{DeliveryID: "outer"})
	inner := With(outer, DeliveryContext{DeliveryID: "inner"})
	if Current(inner).DeliveryID != "inner" {
		t.Fatal("inner binding not visible")
	}
	if Current(outer).DeliveryID != "outer" {
		t.Fatal("outer binding clobbered")
	}
}

func TestWithPartial_ConcurrentChildrenIndependent(t *testing.T) {
	parent := With(context.Background(), DeliveryContext{AccountID: "acc", ChatID: "1"})

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = Current(WithPartial(parent, DeliveryContext{Operation: "sendVoice"})).DeliveryID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("delivery ids not unique: %v", ids)
		}
		seen[id] = true
	}
	if Current(parent).DeliveryID != "" {
		t.Fatal("parent acquired a delivery id")
	}
}
