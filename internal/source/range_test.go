package source

import (
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNextRange(t *testing.T) {
	cases := []struct {
		last, head, max uint64
		want            BlockRange
		ok              bool
	}{
		{last: 100, head: 105, max: 10, want: BlockRange{From: 101, To: 105}, ok: true},
		{last: 100, head: 150, max: 10, want: BlockRange{From: 101, To: 110}, ok: true},
		{last: 100, head: 101, max: 10, want: BlockRange{From: 101, To: 101}, ok: true},
		{last: 100, head: 100, max: 10},
		{last: 100, head: 90, max: 10},
		{last: 5, head: 9, max: 0, want: BlockRange{From: 6, To: 6}, ok: true},
	}
	for i, tc := range cases {
		got, ok := NextRange(tc.last, tc.head, tc.max)
		if ok != tc.ok {
			t.Fatalf("case %d: ok mismatch: %v", i, ok)
		}
		if ok && got != tc.want {
			t.Fatalf("case %d: range mismatch: %+v != %+v", i, got, tc.want)
		}
	}
}

func TestBatchAddresses(t *testing.T) {
	addrs := make([]common.Address, 0, 5)
	for i := 1; i <= 5; i++ {
		addrs = append(addrs, common.BytesToAddress([]byte{byte(i)}))
	}

	got := BatchAddresses(addrs, 2)
	want := [][]common.Address{addrs[0:2], addrs[2:4], addrs[4:5]}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("batches mismatch: %v != %v", got, want)
	}

	if got := BatchAddresses(addrs, 50); len(got) != 1 || len(got[0]) != 5 {
		t.Fatalf("expected a single batch, got %v", got)
	}
	if got := BatchAddresses(nil, 50); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func TestStartBlock(t *testing.T) {
	if got := startBlock(Checkpoint{}, false, 1000, 100); got != 1000 {
		t.Fatalf("cold start should begin at head, got %d", got)
	}
	if got := startBlock(Checkpoint{LastBlock: 950}, true, 1000, 100); got != 950 {
		t.Fatalf("expected resume from checkpoint, got %d", got)
	}
	if got := startBlock(Checkpoint{LastBlock: 800}, true, 1000, 100); got != 1000 {
		t.Fatalf("stale checkpoint should be ignored, got %d", got)
	}
	if got := startBlock(Checkpoint{LastBlock: 1200}, true, 1000, 100); got != 1000 {
		t.Fatalf("checkpoint ahead of head should be ignored, got %d", got)
	}
}
