package domain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	addrC = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

func slot(n uint64) common.Hash { return common.Hash(uint256.NewInt(n).Bytes32()) }

func TestDiffBatch_TouchedAddresses(t *testing.T) {
	batch := DiffBatch{
		{addrC: {}, addrA: {}},
		{addrB: {}, addrA: {}},
	}

	got := batch.TouchedAddresses()
	want := []common.Address{addrA, addrB, addrC}
	if len(got) != len(want) {
		t.Fatalf("got %d addresses, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i].Hex(), want[i].Hex())
		}
	}
}

func TestAccountDelta_Slots(t *testing.T) {
	d := AccountDelta{Storage: map[common.Hash]*uint256.Int{
		slot(9): uint256.NewInt(1),
		slot(1): uint256.NewInt(1),
		slot(4): uint256.NewInt(1),
	}}

	keys := d.Slots()
	for i := 1; i < len(keys); i++ {
		if keys[i-1].Cmp(keys[i]) >= 0 {
			t.Fatalf("slots not ascending: %v", keys)
		}
	}
}

func TestAccountDelta_HasChanges(t *testing.T) {
	if (AccountDelta{}).HasChanges() {
		t.Error("empty delta should report no changes")
	}
	if !(AccountDelta{Code: []byte{}}).HasChanges() {
		t.Error("empty non-nil code is a change")
	}
}

func TestMergeDiffs(t *testing.T) {
	nonce1, nonce2 := uint64(1), uint64(2)

	first := Diff{
		addrA: {
			Nonce:   &nonce1,
			Balance: uint256.NewInt(100),
			Storage: map[common.Hash]*uint256.Int{slot(0): uint256.NewInt(1), slot(1): uint256.NewInt(1)},
		},
	}
	second := Diff{
		addrA: {
			Nonce:   &nonce2,
			Storage: map[common.Hash]*uint256.Int{slot(1): uint256.NewInt(2)},
		},
		addrB: {Code: []byte{0x60}},
	}

	merged := MergeDiffs(first, second)

	t.Run("later wins per field", func(t *testing.T) {
		a := merged[addrA]
		if a.Nonce == nil || *a.Nonce != 2 {
			t.Errorf("nonce = %v, want 2", a.Nonce)
		}
		if v := a.Storage[slot(1)]; v.Uint64() != 2 {
			t.Errorf("slot1 = %v, want 2", v)
		}
	})

	t.Run("absent fields keep earlier values", func(t *testing.T) {
		a := merged[addrA]
		if a.Balance == nil || a.Balance.Uint64() != 100 {
			t.Errorf("balance = %v, want 100", a.Balance)
		}
		if v := a.Storage[slot(0)]; v == nil || v.Uint64() != 1 {
			t.Errorf("slot0 = %v, want 1", v)
		}
	})

	t.Run("absent stays absent", func(t *testing.T) {
		b := merged[addrB]
		if b.Balance != nil || b.Nonce != nil {
			t.Error("fields never set must remain nil")
		}
		if len(b.Code) != 1 {
			t.Errorf("code = %x", b.Code)
		}
	})

	t.Run("inputs untouched", func(t *testing.T) {
		if *first[addrA].Nonce != 1 || first[addrA].Storage[slot(1)].Uint64() != 1 {
			t.Error("MergeDiffs mutated its input")
		}
	})
}

func TestMergeDiffs_Destroyed(t *testing.T) {
	before := Diff{addrA: {Storage: map[common.Hash]*uint256.Int{slot(0): uint256.NewInt(9)}}}
	destroyed := Diff{addrA: {Destroyed: true, Balance: new(uint256.Int)}}
	recreated := Diff{addrA: {Storage: map[common.Hash]*uint256.Int{slot(1): uint256.NewInt(4)}}}

	got := MergeDiffs(before, destroyed, recreated)[addrA]
	if !got.Destroyed {
		t.Fatal("destroy must survive later overlays")
	}
	if _, ok := got.Storage[slot(0)]; ok {
		t.Error("slot written before the destroy must be dropped")
	}
	if v := got.Storage[slot(1)]; v == nil || v.Uint64() != 4 {
		t.Errorf("slot1 = %v, want 4", v)
	}
	if !(AccountDelta{Destroyed: true}).HasChanges() {
		t.Error("a destroy is a change")
	}
}
