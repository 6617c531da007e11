package model

// SpecialTokens identifies the structural markers that delimit the
// zones of a dialogue sequence.
type SpecialTokens struct {
	KnowID  int
	UserIDs [2]int
	EOSID   int
	PadID   int
}

// IsMarker reports whether id is one of the three zone markers.
func (s SpecialTokens) IsMarker(id int) bool {
	return id == s.KnowID || id == s.UserIDs[0] || id == s.UserIDs[1]
}

// SegmentIDs tags every position with the most recently seen zone
// marker, scanning left to right. Positions before the first marker are
// tagged with the knowledge marker; a marker position is tagged with
// itself.
func SegmentIDs(ids []int, sp SpecialTokens) []int {
	types := make([]int, len(ids))
	last := sp.KnowID
	for i, id := range ids {
		if sp.IsMarker(id) {
			last = id
		}
		types[i] = last
	}
	return types
}

// NextSegment advances an incremental tagging state by one token,
// returning the label for the new position. Seed prev with KnowID.
func NextSegment(prev, id int, sp SpecialTokens) int {
	if sp.IsMarker(id) {
		return id
	}
	return prev
}
