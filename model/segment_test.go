package model

import "testing"

var testSP = SpecialTokens{KnowID: 7, UserIDs: [2]int{8, 9}, EOSID: 10, PadID: 11}

func TestSegmentIDsLengthAndLabelSet(t *testing.T) {
	ids := []int{7, 1, 2, 8, 3, 9, 4, 5}
	segs := SegmentIDs(ids, testSP)
	if len(segs) != len(ids) {
		t.Fatalf("length mismatch: got %d want %d", len(segs), len(ids))
	}
	for i, s := range segs {
		if s != testSP.KnowID && s != testSP.UserIDs[0] && s != testSP.UserIDs[1] {
			t.Fatalf("position %d: label %d not in marker set", i, s)
		}
	}
}

func TestSegmentIDsMarkerLabelsItself(t *testing.T) {
	ids := []int{1, 8, 2, 9, 3, 7}
	segs := SegmentIDs(ids, testSP)
	for i, id := range ids {
		if testSP.IsMarker(id) && segs[i] != id {
			t.Fatalf("marker at %d labeled %d, want itself (%d)", i, segs[i], id)
		}
	}
}

func TestSegmentIDsBeforeFirstMarker(t *testing.T) {
	ids := []int{1, 2, 3}
	segs := SegmentIDs(ids, testSP)
	for i, s := range segs {
		if s != testSP.KnowID {
			t.Fatalf("position %d before any marker labeled %d, want knowledge marker", i, s)
		}
	}
}

func TestSegmentIDsEndToEnd(t *testing.T) {
	K, U1, U2 := testSP.KnowID, testSP.UserIDs[0], testSP.UserIDs[1]
	ids := []int{K, 1, U1, 2, U2, 3}
	want := []int{K, K, U1, U1, U2, U2}
	segs := SegmentIDs(ids, testSP)
	for i := range want {
		if segs[i] != want[i] {
			t.Fatalf("segs = %v, want %v", segs, want)
		}
	}
}

func TestNextSegmentMatchesScan(t *testing.T) {
	ids := []int{1, 8, 2, 2, 9, 3, 7, 4}
	want := SegmentIDs(ids, testSP)
	prev := testSP.KnowID
	for i, id := range ids {
		got := NextSegment(prev, id, testSP)
		if got != want[i] {
			t.Fatalf("incremental label at %d = %d, scan says %d", i, got, want[i])
		}
		prev = got
	}
}
