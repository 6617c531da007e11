package data

import (
	"strings"
	"testing"

	"github.com/visionshao/GPT2/model"
)

var fakeSP = model.SpecialTokens{KnowID: 0, UserIDs: [2]int{1, 2}, EOSID: 3, PadID: 4}

// fakeEncoder maps each whitespace word to a stable id >= 10.
type fakeEncoder struct {
	vocab map[string]int
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{vocab: map[string]int{}}
}

func (f *fakeEncoder) Encode(text string) ([]int, error) {
	var ids []int
	for _, w := range strings.Fields(text) {
		id, ok := f.vocab[w]
		if !ok {
			id = 10 + len(f.vocab)
			f.vocab[w] = id
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeEncoder) Special() model.SpecialTokens { return fakeSP }

func testExample() Example {
	return Example{
		Knowledge: []string{"the sky is blue", "water boils"},
		History:   []string{"hi there", "hello friend"},
		User:      0,
		Response:  "the sky looks blue today",
	}
}

func TestContextShape(t *testing.T) {
	b := NewBatcher(newFakeEncoder(), 16, 16, 64)
	ids, segs, err := b.Context(testExample())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != len(segs) {
		t.Fatalf("ids/segs length mismatch: %d vs %d", len(ids), len(segs))
	}
	if ids[0] != fakeSP.KnowID {
		t.Fatalf("context starts with %d, want knowledge marker", ids[0])
	}
	if last := ids[len(ids)-1]; last != fakeSP.UserIDs[0] {
		t.Fatalf("context ends with %d, want responding user marker", last)
	}
	// history speakers must alternate, ending with the partner
	var markers []int
	for _, id := range ids[1 : len(ids)-1] {
		if id == fakeSP.UserIDs[0] || id == fakeSP.UserIDs[1] {
			markers = append(markers, id)
		}
	}
	if len(markers) != 2 || markers[len(markers)-1] != fakeSP.UserIDs[1] {
		t.Fatalf("history markers = %v, want [...partner last]", markers)
	}
}

func TestTrainingSupervisesOnlyResponse(t *testing.T) {
	b := NewBatcher(newFakeEncoder(), 16, 16, 64)
	ex := testExample()
	item, err := b.Training(ex, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if len(item.IDs) != len(item.Segs) || len(item.IDs) != len(item.Targets) {
		t.Fatalf("item slices misaligned: %d/%d/%d", len(item.IDs), len(item.Segs), len(item.Targets))
	}

	// find the supervised region
	first := -1
	for i, tgt := range item.Targets {
		if tgt != model.IgnoreIndex {
			first = i
			break
		}
	}
	if first < 0 {
		t.Fatal("no supervised positions")
	}
	// everything before is ignored
	for i := 0; i < first; i++ {
		if item.Targets[i] != model.IgnoreIndex {
			t.Fatalf("context position %d supervised", i)
		}
	}
	// the marker position predicts the first response token
	if item.IDs[first] != fakeSP.UserIDs[0] {
		t.Fatalf("first supervised input is %d, want responding user marker", item.IDs[first])
	}
	// supervision runs to EOS
	if last := item.Targets[len(item.Targets)-1]; last != fakeSP.EOSID {
		t.Fatalf("final target = %d, want EOS", last)
	}
	// targets are the next input token at every supervised position
	for i := first; i < len(item.Targets)-1; i++ {
		if item.Targets[i] != item.IDs[i+1] {
			t.Fatalf("target[%d]=%d but input[%d]=%d", i, item.Targets[i], i+1, item.IDs[i+1])
		}
	}
}

func TestKnowledgeTruncation(t *testing.T) {
	b := NewBatcher(newFakeEncoder(), 3, 16, 64)
	ids, _, err := b.Context(Example{
		Knowledge: []string{"a b c d e f g h"},
		History:   []string{"x"},
		User:      1,
		Response:  "y",
	})
	if err != nil {
		t.Fatal(err)
	}
	// marker + 3 knowledge tokens before the first user marker
	count := 0
	for _, id := range ids[1:] {
		if id == fakeSP.UserIDs[0] || id == fakeSP.UserIDs[1] {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("knowledge zone kept %d tokens, want 3", count)
	}
}

func TestHistoryDropsOldestFirst(t *testing.T) {
	enc := newFakeEncoder()
	b := NewBatcher(enc, 4, 4, 64)
	ex := Example{
		Knowledge: []string{"k"},
		History:   []string{"old old old", "recent a"},
		User:      0,
		Response:  "r",
	}
	ids, _, err := b.Context(ex)
	if err != nil {
		t.Fatal(err)
	}
	oldID := enc.vocab["old"]
	for _, id := range ids {
		if id == oldID {
			t.Fatal("oldest utterance survived truncation")
		}
	}
	recentID := enc.vocab["recent"]
	found := false
	for _, id := range ids {
		if id == recentID {
			found = true
		}
	}
	if !found {
		t.Fatal("most recent utterance was dropped")
	}
}

func TestTrainingRejectsOversizedResponse(t *testing.T) {
	b := NewBatcher(newFakeEncoder(), 4, 4, 8)
	ex := Example{
		Knowledge: []string{"k1 k2 k3"},
		History:   []string{"h1 h2"},
		User:      0,
		Response:  "r1 r2 r3 r4 r5 r6 r7 r8 r9 r10",
	}
	if _, err := b.Training(ex, 1.0); err == nil {
		t.Fatal("expected error for response exceeding the total budget")
	}
}
