package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/visionshao/GPT2/data"
	"github.com/visionshao/GPT2/model"
	"github.com/visionshao/GPT2/params"
	"github.com/visionshao/GPT2/tokenizer"
)

var cfg = params.Defaults()

var rootCmd = &cobra.Command{
	Use:   "kggen",
	Short: "Train a GPT2-style generator for knowledge-grounded dialogue",
	Long: `
Trains an autoregressive transformer to produce the next utterance of a
dialogue given candidate knowledge snippets, the conversation history,
and the responding speaker. Evaluates on seen/unseen test splits and
keeps the best checkpoint by validation loss.
	`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&cfg.TrainFile, "train-file", cfg.TrainFile, "training split (jsonl)")
	f.StringVar(&cfg.TestSeenFile, "test-seen-file", cfg.TestSeenFile, "seen-topic test split (jsonl)")
	f.StringVar(&cfg.TestUnseenFile, "test-unseen-file", cfg.TestUnseenFile, "unseen-topic test split (jsonl)")
	f.IntVar(&cfg.MaxKnowledge, "max-knowledge", cfg.MaxKnowledge, "knowledge sentences kept per training example")

	f.IntVar(&cfg.DModel, "d-model", cfg.DModel, "model width")
	f.IntVar(&cfg.HiddenSize, "hidden-size", cfg.HiddenSize, "MLP hidden width")
	f.IntVar(&cfg.NumHeads, "num-heads", cfg.NumHeads, "attention heads")
	f.IntVar(&cfg.Layers, "layers", cfg.Layers, "transformer blocks")
	f.BoolVar(&cfg.Segment, "segment", cfg.Segment, "feed segment (token-type) embeddings")

	f.IntVar(&cfg.KnowledgeTruncate, "knowledge-truncate", cfg.KnowledgeTruncate, "knowledge zone token budget")
	f.IntVar(&cfg.TextTruncate, "text-truncate", cfg.TextTruncate, "history zone token budget")
	f.IntVar(&cfg.GPT2Truncate, "gpt2-truncate", cfg.GPT2Truncate, "whole-sequence token budget")

	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "training micro-batch size")
	f.IntVar(&cfg.EvalBatchSize, "eval-batch-size", cfg.EvalBatchSize, "evaluation batch size")
	f.IntVar(&cfg.NumSteps, "num-steps", cfg.NumSteps, "optimizer steps to run")
	f.IntVar(&cfg.AccumSteps, "accum-steps", cfg.AccumSteps, "micro-batches per optimizer step")
	f.Float64Var(&cfg.LR, "lr", cfg.LR, "initial learning rate")
	f.Float64Var(&cfg.Decay, "decay", cfg.Decay, "plateau LR decay factor")
	f.Float64Var(&cfg.Clip, "clip", cfg.Clip, "global gradient-norm clip")
	f.Float64Var(&cfg.InitTemp, "init-temp", cfg.InitTemp, "initial annealing temperature")
	f.Float64Var(&cfg.MinTemp, "min-temp", cfg.MinTemp, "temperature floor")
	f.Float64Var(&cfg.AnnealRate, "anneal-rate", cfg.AnnealRate, "temperature anneal rate")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "rng seed")

	f.IntVar(&cfg.PrintEvery, "print-every", cfg.PrintEvery, "steps between progress lines")
	f.IntVar(&cfg.ValidEvery, "valid-every", cfg.ValidEvery, "steps between evaluations")

	f.StringVar(&cfg.ExpName, "exp-name", cfg.ExpName, "experiment name (output subdirectory)")
	f.StringVar(&cfg.LogDir, "log", cfg.LogDir, "output root directory")
	f.StringVar(&cfg.GenPretrainFile, "gen-pretrain-file", cfg.GenPretrainFile, "checkpoint to restore")
	f.BoolVar(&cfg.LoadGen, "load-gen", cfg.LoadGen, "restore the generator from --gen-pretrain-file")

	f.StringVar(&cfg.TokenizerFile, "tokenizer-file", cfg.TokenizerFile, "tokenizer json (trained on the fly if absent)")
	f.IntVar(&cfg.VocabSize, "vocab-size", cfg.VocabSize, "BPE vocab size when training a tokenizer")

	f.IntVar(&cfg.MaxLength, "max-length", cfg.MaxLength, "max decoded tokens")
	f.IntVar(&cfg.MinLength, "min-length", cfg.MinLength, "min decoded tokens before EOS")
	f.BoolVar(&cfg.EarlyStopping, "early-stopping", cfg.EarlyStopping, "stop beam search once enough hypotheses finish")
	f.IntVar(&cfg.BeamSize, "beam-size", cfg.BeamSize, "beam width (1 = greedy)")
	f.Float64Var(&cfg.RepetitionPenalty, "repetition-penalty", cfg.RepetitionPenalty, "repetition penalty")
	f.Float64Var(&cfg.LengthPenalty, "length-penalty", cfg.LengthPenalty, "beam length penalty")
	f.IntVar(&cfg.NoRepeatNgramSize, "no-repeat-ngram-size", cfg.NoRepeatNgramSize, "block repeated n-grams of this size")
}

func run(ctx context.Context) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	rng := rand.New(rand.NewSource(cfg.Seed))

	outDir := filepath.Join(cfg.LogDir, cfg.ExpName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", outDir, err)
	}
	logger.Info("writing to", "dir", outDir)
	if err := saveHparams(filepath.Join(outDir, "hparams")); err != nil {
		return err
	}

	tok, err := tokenizer.LoadOrTrain(cfg.TrainFile, cfg.TokenizerFile, cfg.VocabSize)
	if err != nil {
		return err
	}
	logger.Info("tokenizer ready", "vocab", tok.VocabSize())

	trainDS, err := data.LoadKGDataset(cfg.TrainFile, cfg.MaxKnowledge)
	if err != nil {
		return err
	}
	testSeenDS, err := data.LoadKGDataset(cfg.TestSeenFile, 0)
	if err != nil {
		return err
	}
	testUnseenDS, err := data.LoadKGDataset(cfg.TestUnseenFile, 0)
	if err != nil {
		return err
	}
	logger.Info("datasets loaded",
		"train", trainDS.Len(), "test_seen", testSeenDS.Len(), "test_unseen", testUnseenDS.Len())

	m := model.NewModel(cfg, tok.VocabSize(), tok.Special())
	if cfg.LoadGen {
		logger.Info("restoring generator", "path", cfg.GenPretrainFile)
		if err := m.Load(cfg.GenPretrainFile); err != nil {
			logger.Fatal("restore failed", "err", err)
		}
	}

	trainLoader := data.NewTrainLoader(trainDS, cfg.BatchSize, rng)
	trainer, err := NewTrainer(cfg, logger, tok, m, trainLoader, testSeenDS, testUnseenDS, outDir, rng)
	if err != nil {
		return err
	}
	return trainer.Run(ctx)
}

// saveHparams dumps the resolved configuration so a run is reproducible
// from its output directory alone.
func saveHparams(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create hparams: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("write hparams: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}
