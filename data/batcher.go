package data

import (
	"fmt"
	"strings"

	"github.com/visionshao/GPT2/model"
)

// Encoder is the slice of the tokenizer the batcher needs.
type Encoder interface {
	Encode(text string) ([]int, error)
	Special() model.SpecialTokens
}

// Item is one training example ready for the model: the input ids, the
// aligned segment labels, the shifted targets with model.IgnoreIndex at
// every unsupervised position, and the example weight.
type Item struct {
	IDs     []int
	Segs    []int
	Targets []int
	Weight  float64
}

// Batcher turns raw examples into token sequences under the three
// truncation budgets: knowledge zone, history zone, and the whole
// sequence.
type Batcher struct {
	Tok Encoder

	KnowledgeTruncate int
	TextTruncate      int
	TotalTruncate     int
}

func NewBatcher(tok Encoder, knowledgeTruncate, textTruncate, totalTruncate int) *Batcher {
	return &Batcher{
		Tok:               tok,
		KnowledgeTruncate: knowledgeTruncate,
		TextTruncate:      textTruncate,
		TotalTruncate:     totalTruncate,
	}
}

// knowledgeZone is the knowledge marker followed by the concatenated
// candidates, capped at KnowledgeTruncate content tokens.
func (b *Batcher) knowledgeZone(knowledge []string) ([]int, error) {
	sp := b.Tok.Special()
	ids, err := b.Tok.Encode(strings.Join(knowledge, " "))
	if err != nil {
		return nil, err
	}
	if len(ids) > b.KnowledgeTruncate {
		ids = ids[:b.KnowledgeTruncate]
	}
	return append([]int{sp.KnowID}, ids...), nil
}

// historyZone encodes each utterance behind its speaker marker. The
// history alternates speakers and ends with the partner of the
// responding user. Oldest utterances are dropped first when the zone
// exceeds TextTruncate.
func (b *Batcher) historyZone(history []string, user int) ([]int, error) {
	sp := b.Tok.Special()
	utts := make([][]int, len(history))
	total := 0
	for i, h := range history {
		ids, err := b.Tok.Encode(h)
		if err != nil {
			return nil, err
		}
		speaker := (user + len(history) - i) % 2
		utts[i] = append([]int{sp.UserIDs[speaker]}, ids...)
		total += len(utts[i])
	}
	start := 0
	for start < len(utts) && total > b.TextTruncate {
		total -= len(utts[start])
		start++
	}
	var out []int
	for _, u := range utts[start:] {
		out = append(out, u...)
	}
	return out, nil
}

// Context builds the decoding prompt: knowledge + history + the
// responding user's marker, with aligned segment labels.
func (b *Batcher) Context(ex Example) (ids, segs []int, err error) {
	sp := b.Tok.Special()
	know, err := b.knowledgeZone(ex.Knowledge)
	if err != nil {
		return nil, nil, fmt.Errorf("batch knowledge: %w", err)
	}
	hist, err := b.historyZone(ex.History, ex.User)
	if err != nil {
		return nil, nil, fmt.Errorf("batch history: %w", err)
	}
	ids = append(append(know, hist...), sp.UserIDs[ex.User%2])
	if len(ids) > b.TotalTruncate {
		// keep the response marker and the most recent context
		ids = ids[len(ids)-b.TotalTruncate:]
	}
	return ids, model.SegmentIDs(ids, sp), nil
}

// Training builds the full teacher-forced item: the sequence is
// context + response + EOS, inputs drop the final token, and targets
// supervise only the response tokens (marker position predicts the
// first response token).
func (b *Batcher) Training(ex Example, weight float64) (Item, error) {
	sp := b.Tok.Special()
	ctx, _, err := b.Context(ex)
	if err != nil {
		return Item{}, err
	}
	resp, err := b.Tok.Encode(ex.Response)
	if err != nil {
		return Item{}, fmt.Errorf("batch response: %w", err)
	}
	resp = append(resp, sp.EOSID)

	full := append(append([]int{}, ctx...), resp...)
	respStart := len(ctx) // index of the first response content token
	if len(full) > b.TotalTruncate {
		drop := len(full) - b.TotalTruncate
		if drop >= respStart {
			return Item{}, fmt.Errorf("response longer than total budget (%d tokens)", len(resp))
		}
		full = full[drop:]
		respStart -= drop
	}

	inputs := full[:len(full)-1]
	targets := make([]int, len(inputs))
	for t := range targets {
		if t+1 >= respStart {
			targets[t] = full[t+1]
		} else {
			targets[t] = model.IgnoreIndex
		}
	}
	return Item{
		IDs:     inputs,
		Segs:    model.SegmentIDs(inputs, sp),
		Targets: targets,
		Weight:  weight,
	}, nil
}
