package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/visionshao/GPT2/data"
	"github.com/visionshao/GPT2/metrics"
	"github.com/visionshao/GPT2/model"
	"github.com/visionshao/GPT2/optimizations"
	"github.com/visionshao/GPT2/params"
	"github.com/visionshao/GPT2/tokenizer"
)

// explodingNorm is the pre-clip gradient norm above which training logs
// a warning but keeps going.
const explodingNorm = 1e2

// SplitResults is one evaluation pass over a test split.
type SplitResults struct {
	Loss                       float64
	Bleu1, Bleu2, Bleu3, Bleu4 float64
	Distinct1, Distinct2       float64
	F1                         float64
}

// Trainer owns all mutable training state: model, schedule, loaders and
// the best-checkpoint tracker.
type Trainer struct {
	cfg params.TrainingConfig
	log *log.Logger
	rng *rand.Rand

	tok     *tokenizer.Tokenizer
	batcher *data.Batcher
	model   *model.Model

	trainLoader *data.TrainLoader
	testSeen    *data.KGDataset
	testUnseen  *data.KGDataset

	plateau *optimizations.Plateau
	lr      float64

	outDir   string
	ckptPath string
	bestLoss float64

	csvW *csv.Writer
}

func NewTrainer(cfg params.TrainingConfig, logger *log.Logger, tok *tokenizer.Tokenizer,
	m *model.Model, train *data.TrainLoader, testSeen, testUnseen *data.KGDataset,
	outDir string, rng *rand.Rand) (*Trainer, error) {

	ckptDir := filepath.Join(outDir, "checkpoints")
	if err := os.MkdirAll(ckptDir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	csvFile, err := os.Create(filepath.Join(outDir, "training_log.csv"))
	if err != nil {
		return nil, fmt.Errorf("create training log: %w", err)
	}
	w := csv.NewWriter(csvFile)
	if err := w.Write([]string{"step", "loss", "threshold", "grad_norm", "lr"}); err != nil {
		return nil, err
	}

	return &Trainer{
		cfg:         cfg,
		log:         logger,
		rng:         rng,
		tok:         tok,
		batcher:     data.NewBatcher(tok, cfg.KnowledgeTruncate, cfg.TextTruncate, cfg.GPT2Truncate),
		model:       m,
		trainLoader: train,
		testSeen:    testSeen,
		testUnseen:  testUnseen,
		plateau:     optimizations.NewPlateau(cfg.LR, cfg.Decay, 0, 0),
		lr:          cfg.LR,
		outDir:      outDir,
		ckptPath:    filepath.Join(ckptDir, "model-gen-best"),
		bestLoss:    math.Inf(1),
		csvW:        w,
	}, nil
}

// Run drives the TRAIN -> EVALUATE -> CHECKPOINT-IF-IMPROVED loop for
// the configured step budget.
func (t *Trainer) Run(ctx context.Context) error {
	for step := 1; step <= t.cfg.NumSteps; step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := t.trainStep(step); err != nil {
			return fmt.Errorf("train step %d: %w", step, err)
		}
		if step%t.cfg.ValidEvery == 0 {
			seen, err := t.devStep(ctx, "test_seen", step)
			if err != nil {
				return err
			}
			unseen, err := t.devStep(ctx, "test_unseen", step)
			if err != nil {
				return err
			}
			newLR, reduced := t.plateau.Step(seen.Loss)
			if reduced {
				t.log.Info("reducing learning rate on plateau", "lr", newLR)
			}
			t.lr = newLR

			if t.improved(seen.Loss) {
				if err := t.model.Save(t.ckptPath); err != nil {
					return fmt.Errorf("save checkpoint: %w", err)
				}
				t.log.Info("saved model checkpoint", "path", t.ckptPath, "loss", seen.Loss)
				if err := t.writeResults(step, seen, unseen); err != nil {
					return err
				}
			}
		}
	}
	t.csvW.Flush()
	return t.csvW.Error()
}

// improved records loss as the new best only on a strict decrease; ties
// and regressions do not trigger a checkpoint.
func (t *Trainer) improved(loss float64) bool {
	if loss < t.bestLoss {
		t.bestLoss = loss
		return true
	}
	return false
}

// trainStep accumulates gradients over accumSteps micro-batches, clips
// the global norm, and applies one optimizer update.
func (t *Trainer) trainStep(step int) error {
	curTemp := math.Max(t.cfg.InitTemp*math.Exp(-t.cfg.AnnealRate*float64(step)), t.cfg.MinTemp)
	loss := 0.0
	for a := 0; a < t.cfg.AccumSteps; a++ {
		batch := t.trainLoader.Next()
		items := make([]model.SeqLoss, 0, len(batch))
		// batch mean plus the accumulation divisor
		scale := 1.0 / (float64(len(batch)) * float64(len(batch)))
		for i := range batch {
			data.ShuffleKnowledge(&batch[i], t.rng)
			item, err := t.batcher.Training(batch[i], 1.0)
			if err != nil {
				return err
			}
			Y := t.model.Forward(item.IDs, item.Segs)
			logits := t.model.Logits(Y)
			sl := model.WeightedSequenceLoss(logits, item.Targets, item.Weight)
			sl.Grad.Scale(scale, sl.Grad)
			t.model.Backward(sl.Grad)
			items = append(items, sl)
		}
		loss += model.BatchMeanLoss(items) / float64(len(batch))
	}

	gradNorm := t.model.ClipGradNorm(t.cfg.Clip)
	if gradNorm >= explodingNorm {
		t.log.Warn("exploding gradients", "norm", fmt.Sprintf("%.2f", gradNorm))
	}
	t.model.Step(t.lr)
	t.model.ZeroGrads()

	if t.cfg.PrintEvery > 0 && step%t.cfg.PrintEvery == 0 {
		t.log.Info("train",
			"step", step,
			"loss", fmt.Sprintf("%.3f", loss),
			"threshold", fmt.Sprintf("%.3f", curTemp),
			"time", time.Now().Format("2006-01-02 15:04:05"))
	}
	if err := t.csvW.Write([]string{
		fmt.Sprint(step),
		fmt.Sprintf("%.6f", loss),
		fmt.Sprintf("%.4f", curTemp),
		fmt.Sprintf("%.4f", gradNorm),
		fmt.Sprintf("%.8f", t.lr),
	}); err != nil {
		return err
	}
	if step%100 == 0 {
		t.csvW.Flush()
	}
	return nil
}

// devStep evaluates one split: teacher-forced loss over every example,
// then decoding and surface metrics. An unknown split name is fatal.
func (t *Trainer) devStep(ctx context.Context, split string, step int) (SplitResults, error) {
	var ds *data.KGDataset
	switch split {
	case "test_seen":
		ds = t.testSeen
	case "test_unseen":
		ds = t.testUnseen
	default:
		t.log.Fatal("unknown evaluation split", "split", split)
	}

	opts := model.DecodeOptions{
		MaxLength:         t.cfg.MaxLength,
		MinLength:         t.cfg.MinLength,
		BeamSize:          t.cfg.BeamSize,
		EarlyStopping:     t.cfg.EarlyStopping,
		RepetitionPenalty: t.cfg.RepetitionPenalty,
		LengthPenalty:     t.cfg.LengthPenalty,
		NoRepeatNgramSize: t.cfg.NoRepeatNgramSize,
	}

	nTokens := 0
	testLoss := 0.0
	var hyps, refs []string
	for _, batch := range data.EvalBatches(ds, t.cfg.EvalBatchSize) {
		for i := range batch {
			ex := batch[i]
			data.ShuffleKnowledge(&ex, t.rng)

			item, err := t.batcher.Training(ex, 1.0)
			if err != nil {
				return SplitResults{}, err
			}
			Y := t.model.Forward(item.IDs, item.Segs)
			sl := model.WeightedSequenceLoss(t.model.Logits(Y), item.Targets, item.Weight)
			testLoss += sl.Loss
			nTokens += sl.Tokens

			ids, segs, err := t.batcher.Context(ex)
			if err != nil {
				return SplitResults{}, err
			}
			out, err := t.model.Generate(ctx, ids, segs, opts)
			if err != nil {
				return SplitResults{}, fmt.Errorf("decode %s: %w", split, err)
			}
			hyps = append(hyps, t.tok.Decode(out))
			refs = append(refs, ex.Response)
		}
	}

	if err := t.writeDecoded(split, step, hyps, refs); err != nil {
		return SplitResults{}, err
	}

	res := SplitResults{Loss: model.PerToken(testLoss, nTokens)}
	res.Bleu1, res.Bleu2, res.Bleu3, res.Bleu4 = metrics.BLEU(hyps, refs)
	res.Distinct1, res.Distinct2 = metrics.Distinct(hyps)
	res.F1 = metrics.F1(hyps, refs)

	t.log.Info("eval", "split", split, "step", step,
		"ppl", fmt.Sprintf("%.3f", math.Exp(res.Loss)),
		"bleu", fmt.Sprintf("%.4f/%.4f/%.4f/%.4f", res.Bleu1, res.Bleu2, res.Bleu3, res.Bleu4),
		"distinct", fmt.Sprintf("%.4f/%.4f", res.Distinct1, res.Distinct2),
		"f1", fmt.Sprintf("%.4f", res.F1))
	return res, nil
}

func (t *Trainer) writeDecoded(split string, step int, hyps, refs []string) error {
	path := filepath.Join(t.outDir, fmt.Sprintf("%s-decoded-iter-%d.txt", split, step))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create decoded output: %w", err)
	}
	defer f.Close()
	for i := range hyps {
		if _, err := fmt.Fprintf(f, "%s ||| %s\n", hyps[i], refs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) writeResults(step int, seen, unseen SplitResults) error {
	f, err := os.Create(filepath.Join(t.outDir, "results"))
	if err != nil {
		return fmt.Errorf("create results file: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "The best model is on step %d\n", step)
	for _, entry := range []struct {
		name string
		r    SplitResults
	}{
		{"test seen", seen},
		{"test unseen", unseen},
	} {
		fmt.Fprintf(f, "%s result: \n", entry.name)
		fmt.Fprintf(f, "PPL: %.4f\nBLEU-1/2/3/4: %.4f/%.4f/%.4f/%.4f\nDistinct-1/2: %.4f/%.4f\nF1: %.4f\n",
			math.Exp(entry.r.Loss),
			entry.r.Bleu1, entry.r.Bleu2, entry.r.Bleu3, entry.r.Bleu4,
			entry.r.Distinct1, entry.r.Distinct2,
			entry.r.F1)
	}
	return nil
}
