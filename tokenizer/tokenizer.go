package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/models"
	"github.com/sugarme/tokenizer/normalizers"
	"github.com/sugarme/tokenizer/pretokenizers"
	"github.com/sugarme/tokenizer/trainers"

	"github.com/visionshao/GPT2/model"
)

// Marker strings for the three dialogue zones plus sequence control.
const (
	KnowledgeToken = "<knowledge>"
	User1Token     = "<user1>"
	User2Token     = "<user2>"
	EOSToken       = "<eos>"
	PadToken       = "<pad>"
	UnkToken       = "<unk>"
)

// Tokenizer wraps a BPE tokenizer and resolves the dialogue markers to
// fixed ids once at load time.
type Tokenizer struct {
	inner *tk.Tokenizer
	vocab map[string]int
	sp    model.SpecialTokens
}

// LoadOrTrain loads tokPath if it exists, otherwise trains a BPE
// tokenizer on corpusPath and saves it there.
func LoadOrTrain(corpusPath, tokPath string, vocabSize int) (*Tokenizer, error) {
	if fileExists(tokPath) {
		t, err := tk.FromFile(tokPath)
		if err != nil {
			return nil, fmt.Errorf("load tokenizer %s: %w", tokPath, err)
		}
		return wrap(t)
	}
	if corpusPath == "" {
		return nil, fmt.Errorf("tokenizer %s not found and no corpus to train on", tokPath)
	}

	bpe := models.NewBPE()
	t := tk.NewTokenizer(bpe)
	t.WithNormalizer(normalizers.NewSequence(
		normalizers.NewNFKC(),
		normalizers.NewLowercase(),
	))
	t.WithPreTokenizer(pretokenizers.NewWhitespaceSplit())

	tr := trainers.NewBpeTrainer()
	tr.VocabSize = vocabSize
	tr.SpecialTokens = []string{PadToken, UnkToken, EOSToken, KnowledgeToken, User1Token, User2Token}

	if err := t.Train(tr, []string{corpusPath}); err != nil {
		return nil, fmt.Errorf("train tokenizer on %s: %w", corpusPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(tokPath), 0o755); err != nil {
		return nil, err
	}
	if err := t.Save(tokPath); err != nil {
		return nil, fmt.Errorf("save tokenizer %s: %w", tokPath, err)
	}
	return wrap(t)
}

func wrap(t *tk.Tokenizer) (*Tokenizer, error) {
	vocab := t.GetVocab(true)
	out := &Tokenizer{inner: t, vocab: vocab}
	for _, name := range []string{KnowledgeToken, User1Token, User2Token, EOSToken, PadToken} {
		if _, ok := vocab[name]; !ok {
			return nil, fmt.Errorf("tokenizer vocab missing marker %s", name)
		}
	}
	out.sp = model.SpecialTokens{
		KnowID:  vocab[KnowledgeToken],
		UserIDs: [2]int{vocab[User1Token], vocab[User2Token]},
		EOSID:   vocab[EOSToken],
		PadID:   vocab[PadToken],
	}
	return out, nil
}

// Special returns the resolved marker ids.
func (t *Tokenizer) Special() model.SpecialTokens { return t.sp }

// VocabSize is the full vocabulary size including added tokens.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// TokenToID resolves a token string; ok is false for unknown tokens.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	id, ok := t.vocab[token]
	return id, ok
}

// Encode tokenizes raw text into ids, without any markers attached.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	enc, err := t.inner.EncodeSingle(text)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	ids := make([]int, len(enc.Ids))
	for i, v := range enc.Ids {
		ids[i] = int(v)
	}
	return ids, nil
}

// Decode turns ids back into text, dropping markers and control tokens.
func (t *Tokenizer) Decode(ids []int) string {
	return t.inner.Decode(ids, true)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
