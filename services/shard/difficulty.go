package shard

// ExpectedDifficulty adjusts the parent difficulty by 1/factor: up when the
// block arrived inside the cutoff window, down otherwise. Never below 1.
func ExpectedDifficulty(parentDifficulty uint64, parentTime, blockTime uint64, cutoff, factor uint32) uint64 {
	if factor == 0 {
		return parentDifficulty
	}
	step := parentDifficulty / uint64(factor)
	if blockTime-parentTime < uint64(cutoff) {
		return parentDifficulty + step
	}
	if parentDifficulty <= step || parentDifficulty-step == 0 {
		return 1
	}
	return parentDifficulty - step
}
