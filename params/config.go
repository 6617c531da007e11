package params

// TrainingConfig carries every knob the trainer exposes on the command
// line. Field groups mirror the flag groups in main.go.
type TrainingConfig struct {
	// Data files
	TrainFile      string
	TestSeenFile   string
	TestUnseenFile string
	MaxKnowledge   int // knowledge sentences kept per example at load time

	// Model
	DModel     int // model width
	HiddenSize int // MLP hidden
	NumHeads   int // attention heads
	Layers     int // attn -> mlp repetitions
	Segment    bool

	// Truncation budgets (token counts per input zone)
	KnowledgeTruncate int
	TextTruncate      int
	GPT2Truncate      int // whole-sequence cap

	// Training scheme
	BatchSize     int
	EvalBatchSize int
	NumSteps      int
	AccumSteps    int // micro-batches per optimizer step
	LR            float64
	Decay         float64 // plateau LR factor
	Clip          float64 // global grad-norm clip
	InitTemp      float64
	MinTemp       float64
	AnnealRate    float64
	Seed          int64

	AdamBeta1 float64
	AdamBeta2 float64
	AdamEps   float64

	PrintEvery int
	ValidEvery int

	// Checkpointing
	ExpName        string
	LogDir         string
	GenPretrainFile string
	LoadGen        bool

	// Tokenizer
	TokenizerFile string
	VocabSize     int

	// Decoding controls
	MaxLength         int
	MinLength         int
	EarlyStopping     bool
	BeamSize          int
	RepetitionPenalty float64
	LengthPenalty     float64
	NoRepeatNgramSize int
}

// Defaults returns the configuration the original experiments ran with.
func Defaults() TrainingConfig {
	return TrainingConfig{
		TrainFile:      "data/train.jsonl",
		TestSeenFile:   "data/test_seen.jsonl",
		TestUnseenFile: "data/test_unseen.jsonl",
		MaxKnowledge:   32,

		DModel:     256,
		HiddenSize: 1024,
		NumHeads:   8,
		Layers:     6,
		Segment:    true,

		KnowledgeTruncate: 64,
		TextTruncate:      128,
		GPT2Truncate:      256,

		BatchSize:     2,
		EvalBatchSize: 4,
		NumSteps:      100000,
		AccumSteps:    32,
		LR:            5e-5,
		Decay:         0.5,
		Clip:          2.0,
		InitTemp:      0.5,
		MinTemp:       0.2,
		AnnealRate:    0.001,
		Seed:          42,

		AdamBeta1: 0.9,
		AdamBeta2: 0.999,
		AdamEps:   1e-8,

		PrintEvery: 100,
		ValidEvery: 1000,

		ExpName: "default",
		LogDir:  "log",

		TokenizerFile: "models/tokenizer.json",
		VocabSize:     8192,

		MaxLength:         30,
		MinLength:         15,
		EarlyStopping:     false,
		BeamSize:          1,
		RepetitionPenalty: 1.0,
		LengthPenalty:     1.0,
		NoRepeatNgramSize: 0,
	}
}
