package media

import "testing"

func TestGrid(t *testing.T) {
	cases := []struct {
		n          int
		rows, cols int
	}{
		{0, 1, 1},
		{1, 1, 1},
		{2, 2, 1},
		{3, 2, 2},
		{4, 2, 2},
		{9, 2, 2}, // clamped to the 4-tile mesh limit
	}
	for _, tc := range cases {
		rows, cols := Grid(tc.n)
		if rows != tc.rows || cols != tc.cols {
			t.Errorf("Grid(%d) = %d×%d, want %d×%d", tc.n, rows, cols, tc.rows, tc.cols)
		}
	}
}

func TestTiles(t *testing.T) {
	if got := Tiles(2); got != 2 {
		t.Fatalf("Tiles(2) = %d, want 2", got)
	}
	if got := Tiles(7); got != MaxTiles {
		t.Fatalf("Tiles(7) = %d, want %d", got, MaxTiles)
	}
}
