package data

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
)

// Example is one knowledge-grounded dialogue turn: candidate knowledge
// sentences, the running history, which speaker responds (0 or 1), and
// the gold response.
type Example struct {
	Knowledge []string `json:"knowledge"`
	History   []string `json:"history"`
	User      int      `json:"user"`
	Response  string   `json:"response"`
}

// KGDataset holds one JSONL split in memory.
type KGDataset struct {
	Examples []Example
}

// LoadKGDataset reads a JSONL file, keeping at most maxKnowledge
// candidate sentences per example.
func LoadKGDataset(path string, maxKnowledge int) (*KGDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()

	ds := &KGDataset{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<22)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ex Example
		if err := json.Unmarshal(raw, &ex); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", path, line, err)
		}
		if maxKnowledge > 0 && len(ex.Knowledge) > maxKnowledge {
			ex.Knowledge = ex.Knowledge[:maxKnowledge]
		}
		ds.Examples = append(ds.Examples, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	return ds, nil
}

func (d *KGDataset) Len() int { return len(d.Examples) }

// TrainLoader yields endlessly cycling batches, reshuffling the order
// at every epoch boundary.
type TrainLoader struct {
	ds        *KGDataset
	batchSize int
	rng       *rand.Rand
	perm      []int
	pos       int
}

func NewTrainLoader(ds *KGDataset, batchSize int, rng *rand.Rand) *TrainLoader {
	l := &TrainLoader{ds: ds, batchSize: batchSize, rng: rng}
	l.perm = rng.Perm(ds.Len())
	return l
}

// Next returns the next batch, wrapping and reshuffling as needed.
func (l *TrainLoader) Next() []Example {
	out := make([]Example, 0, l.batchSize)
	for len(out) < l.batchSize {
		if l.pos >= len(l.perm) {
			l.perm = l.rng.Perm(l.ds.Len())
			l.pos = 0
		}
		out = append(out, l.ds.Examples[l.perm[l.pos]])
		l.pos++
	}
	return out
}

// EvalBatches splits the dataset into sequential batches; the last one
// may be short.
func EvalBatches(ds *KGDataset, batchSize int) [][]Example {
	var out [][]Example
	for i := 0; i < ds.Len(); i += batchSize {
		end := i + batchSize
		if end > ds.Len() {
			end = ds.Len()
		}
		out = append(out, ds.Examples[i:end])
	}
	return out
}

// ShuffleKnowledge permutes an example's knowledge sentences in place.
// Called per draw so the model never learns a fixed candidate order.
func ShuffleKnowledge(ex *Example, rng *rand.Rand) {
	rng.Shuffle(len(ex.Knowledge), func(i, j int) {
		ex.Knowledge[i], ex.Knowledge[j] = ex.Knowledge[j], ex.Knowledge[i]
	})
}
