package orderbook

import (
	"math/rand"
	"testing"
)

func TestRBTreeInsertFindDelete(t *testing.T) {
	tree := NewRBTree()
	pl1 := tree.UpsertLevel(100, Buy)
	if pl1 == nil {
		t.Fatal("UpsertLevel failed")
	}
	if pl2 := tree.FindLevel(100); pl2 != pl1 {
		t.Error("FindLevel did not return same PriceLevel")
	}

	tree.UpsertLevel(200, Buy)
	if tree.MinLevel().Price != 100 {
		t.Error("expected min=100")
	}
	if tree.MaxLevel().Price != 200 {
		t.Error("expected max=200")
	}

	if !tree.DeleteLevel(100) {
		t.Error("DeleteLevel failed")
	}
	if tree.FindLevel(100) != nil {
		t.Error("expected level 100 to be gone")
	}
	if tree.Len() != 1 {
		t.Errorf("expected 1 level, got %d", tree.Len())
	}
}

func TestDeleteNonExistentLevel(t *testing.T) {
	tree := NewRBTree()
	if tree.DeleteLevel(123) {
		t.Error("expected false when deleting non-existent level")
	}
}

func TestEmptyTreeMinMax(t *testing.T) {
	tree := NewRBTree()
	if tree.MinLevel() != nil || tree.MaxLevel() != nil {
		t.Error("expected nil for min/max on empty tree")
	}
}

func TestUpsertDuplicateLevel(t *testing.T) {
	tree := NewRBTree()
	pl1 := tree.UpsertLevel(150, Sell)
	pl2 := tree.UpsertLevel(150, Sell)
	if pl1 != pl2 {
		t.Error("Upsert should return the same level for a duplicate price")
	}
}

func TestRBTreeRandomOpsKeepOrderAndBalance(t *testing.T) {
	tree := NewRBTree()
	live := map[int64]bool{}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 5000; i++ {
		p := rng.Int63n(500)
		if rng.Intn(3) == 0 {
			if tree.DeleteLevel(p) != live[p] {
				t.Fatalf("delete %d disagreed with model", p)
			}
			delete(live, p)
			continue
		}
		lvl := tree.UpsertLevel(p, Buy)
		if lvl.Price != p {
			t.Fatalf("upsert returned level %d for %d", lvl.Price, p)
		}
		live[p] = true
	}

	if tree.Len() != len(live) {
		t.Fatalf("size %d, model %d", tree.Len(), len(live))
	}

	var prev int64 = -1
	count := 0
	tree.ForEachAscending(func(pl *PriceLevel) bool {
		if pl.Price <= prev {
			t.Fatalf("ascending walk out of order: %d after %d", pl.Price, prev)
		}
		prev = pl.Price
		count++
		return true
	})
	if count != len(live) {
		t.Fatalf("walk visited %d levels, want %d", count, len(live))
	}

	if _, ok := blackHeight(tree, tree.root); !ok {
		t.Fatal("red-black invariants violated")
	}
	if tree.root.color != black {
		t.Fatal("root must be black")
	}
}

func blackHeight(t *RBTree, n *rbNode) (int, bool) {
	if n == t.nil {
		return 1, true
	}
	if n.color == red && (n.left.color == red || n.right.color == red) {
		return 0, false
	}
	l, okL := blackHeight(t, n.left)
	r, okR := blackHeight(t, n.right)
	if !okL || !okR || l != r {
		return 0, false
	}
	if n.color == black {
		l++
	}
	return l, true
}
