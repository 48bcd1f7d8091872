//go:build onnx

// Package onnx runs transformer forward passes through ONNX Runtime.
package onnx

import (
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory/embedder"
)

const (
	inputIDs      = "input_ids"
	attentionMask = "attention_mask"
	tokenTypeIDs  = "token_type_ids"
	hiddenState   = "last_hidden_state"
)

// Config configures the ONNX runner.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// LibraryPath is the onnxruntime shared library. Empty uses the default lookup.
	LibraryPath string

	// IntraOpThreads bounds per-session CPU parallelism. Zero leaves the runtime default.
	IntraOpThreads int
}

var envOnce sync.Once
var envErr error

// Runner is an embedder.Runner backed by a single ONNX session.
type Runner struct {
	session       *ort.DynamicAdvancedSession
	hasTokenTypes bool
	outputName    string
}

var _ embedder.Runner = (*Runner)(nil)

// New loads the model and discovers its inputs and outputs.
//
// token_type_ids is fed only when the model declares it. The pooled output is
// last_hidden_state when present, otherwise the model's first output.
func New(cfg Config) (*Runner, error) {
	if cfg.ModelPath == "" {
		return nil, recallerr.New(recallerr.CodeEmbedderModelLoadFailure, "model path is required")
	}

	envOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	if envErr != nil {
		return nil, recallerr.Wrap(envErr, recallerr.CodeEmbedderModelLoadFailure, "initializing onnx runtime")
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, recallerr.Wrap(err, recallerr.CodeEmbedderModelLoadFailure, "reading model metadata",
			recallerr.Field("path", cfg.ModelPath))
	}
	if len(outputs) == 0 {
		return nil, recallerr.New(recallerr.CodeEmbedderModelLoadFailure, "model declares no outputs")
	}

	r := &Runner{outputName: outputs[0].Name}
	for _, out := range outputs {
		if out.Name == hiddenState {
			r.outputName = hiddenState
		}
	}

	declared := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		declared[in.Name] = true
	}
	for _, required := range []string{inputIDs, attentionMask} {
		if !declared[required] {
			return nil, recallerr.New(recallerr.CodeEmbedderModelLoadFailure, "model input missing",
				recallerr.Field("input", required))
		}
	}
	inputNames := []string{inputIDs, attentionMask}
	if declared[tokenTypeIDs] {
		r.hasTokenTypes = true
		inputNames = append(inputNames, tokenTypeIDs)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, recallerr.Wrap(err, recallerr.CodeEmbedderModelLoadFailure, "creating session options")
	}
	defer opts.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, recallerr.Wrap(err, recallerr.CodeEmbedderModelLoadFailure, "setting intra-op threads")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, []string{r.outputName}, opts)
	if err != nil {
		return nil, recallerr.Wrap(err, recallerr.CodeEmbedderModelLoadFailure, "creating onnx session",
			recallerr.Field("path", cfg.ModelPath))
	}
	r.session = session

	slog.Default().With("component", "onnx").Info("model loaded",
		"path", cfg.ModelPath,
		"output", r.outputName,
		"token_type_ids", r.hasTokenTypes)
	return r, nil
}

// Run executes one forward pass with batch size 1.
func (r *Runner) Run(ids, mask []int64) (embedder.Hidden, error) {
	shape := ort.NewShape(1, int64(len(ids)))

	idsTensor, err := ort.NewTensor(shape, ids)
	if err != nil {
		return embedder.Hidden{}, err
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		return embedder.Hidden{}, err
	}
	defer maskTensor.Destroy()

	inputs := []ort.Value{idsTensor, maskTensor}
	if r.hasTokenTypes {
		typesTensor, err := ort.NewTensor(shape, make([]int64, len(ids)))
		if err != nil {
			return embedder.Hidden{}, err
		}
		defer typesTensor.Destroy()
		inputs = append(inputs, typesTensor)
	}

	outputs := []ort.Value{nil}
	if err := r.session.Run(inputs, outputs); err != nil {
		return embedder.Hidden{}, err
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return embedder.Hidden{}, recallerr.New(recallerr.CodeEmbedderModelInvalid, "output tensor is not float32")
	}

	dims := out.GetShape()
	if len(dims) != 3 || dims[0] != 1 {
		return embedder.Hidden{}, recallerr.New(recallerr.CodeEmbedderModelInvalid, "unexpected output shape",
			recallerr.Field("shape", dims.String()))
	}

	data := make([]float32, len(out.GetData()))
	copy(data, out.GetData())
	return embedder.Hidden{Data: data, SeqLen: int(dims[1]), Size: int(dims[2])}, nil
}

// Close destroys the session. The runtime environment stays initialized for
// the life of the process.
func (r *Runner) Close() error {
	if r.session == nil {
		return nil
	}
	return r.session.Destroy()
}
