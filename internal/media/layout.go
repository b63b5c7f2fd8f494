package media

// MaxTiles is the hard cap on rendered participant tiles. Calls may have more
// members; the extra ones still get peer connections (audio keeps flowing)
// but no tile — an explicit clamp, not an error.
const MaxTiles = 4

// Grid returns the tile grid for the given participant count:
// 1 → single full-area view, 2 → stacked, 3-4 → 2×2, above 4 clamped to 2×2.
func Grid(participants int) (rows, cols int) {
	switch {
	case participants <= 1:
		return 1, 1
	case participants == 2:
		return 2, 1
	default:
		return 2, 2
	}
}

// Tiles returns how many participant tiles the presentation layer should
// render for the given count.
func Tiles(participants int) int {
	if participants < 0 {
		return 0
	}
	if participants > MaxTiles {
		return MaxTiles
	}
	return participants
}
