package tile

import (
	"errors"
	"testing"
)

func TestParentChildrenRoundTrip(t *testing.T) {
	for _, p := range []Pos{{0, 0, 1}, {3, -2, 2}, {-1, -1, 5}} {
		for i, c := range p.Children() {
			if c.Parent() != p {
				t.Errorf("child %d of %v has parent %v", i, p, c.Parent())
			}
			if c.Level != p.Level-1 {
				t.Errorf("child %d of %v has level %d", i, p, c.Level)
			}
		}
	}
}

func TestNeighbors(t *testing.T) {
	p := Pos{X: 5, Z: -3, Level: 2}
	seen := map[Pos]bool{}
	for _, n := range p.Neighbors() {
		if n == p || n.Level != p.Level {
			t.Fatalf("bad neighbor %v", n)
		}
		seen[n] = true
	}
	if len(seen) != 8 {
		t.Fatalf("expected 8 distinct neighbors, got %d", len(seen))
	}
}

func TestCompareOrdersByLevelFirst(t *testing.T) {
	a := Pos{X: 100, Z: 100, Level: 0}
	b := Pos{X: 0, Z: 0, Level: 1}
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 {
		t.Fatal("lower level must sort first")
	}
	if (Pos{1, 2, 0}).Compare(Pos{1, 3, 0}) >= 0 {
		t.Fatal("z breaks ties")
	}
	if a.Compare(a) != 0 {
		t.Fatal("compare with self")
	}
}

func TestValid(t *testing.T) {
	if err := (Pos{Level: 3}).Valid(8); err != nil {
		t.Fatal(err)
	}
	if err := (Pos{Level: 9}).Valid(8); !errors.Is(err, ErrInvalidPos) {
		t.Fatalf("got %v", err)
	}
	if err := (Pos{Level: -1}).Valid(8); !errors.Is(err, ErrInvalidPos) {
		t.Fatalf("got %v", err)
	}
}

func TestAtBlock(t *testing.T) {
	if got := AtBlock(-1, 17); got != (Pos{X: -1, Z: 1}) {
		t.Fatalf("AtBlock = %v", got)
	}
	p := Pos{X: 3, Z: -2, Level: 2}
	if p.BlockX() != 192 || p.BlockZ() != -128 {
		t.Fatalf("block origin = %d,%d", p.BlockX(), p.BlockZ())
	}
}

func TestTimestampAccuracy(t *testing.T) {
	tests := []struct {
		ts   Timestamp
		want int32
	}{
		{RoughComplete, 0},
		{Exact, 0},
		{42, 0},
		{RoughCompleteAt(1), 1},
		{RoughCompleteAt(7), 7},
	}
	for _, tt := range tests {
		if got := tt.ts.Accuracy(); got != tt.want {
			t.Errorf("%v.Accuracy() = %d, want %d", tt.ts, got, tt.want)
		}
	}
	if !(Ungenerated < RoughCompleteAt(30) && RoughCompleteAt(2) < RoughCompleteAt(1) && RoughComplete < Exact) {
		t.Fatal("timestamp ordering broken")
	}
}
