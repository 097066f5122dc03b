package inference

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

// TFLiteModel runs a TensorFlow Lite classifier. Float32 and int8/uint8
// quantized input and output tensors are supported; quantized tensors are
// converted with their scale and zero point.
type TFLiteModel struct {
	path        string
	modelData   []byte
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	delegate    *xnnpack.Delegate
	interpreter *tflite.Interpreter

	steps, bands int
	classes      int
	threads      int
}

// LoadTFLiteModel reads and allocates the model at path. A missing file is a
// model-load error, an unusable file a model-init error.
func LoadTFLiteModel(path string, threads int, useXNNPACK bool) (*TFLiteModel, error) {
	start := time.Now()
	threads = max(threads, 1)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(err).
			Component(componentInference).
			Category(errors.CategoryModelLoad).
			ModelContext(path, modelID(path)).
			Timing("model-load", time.Since(start)).
			Build()
	}

	initErr := func(msg string) error {
		return errors.Newf("%s", msg).
			Component(componentInference).
			Category(errors.CategoryModelInit).
			ModelContext(path, modelID(path)).
			Context("model_size_bytes", len(data)).
			Context("use_xnnpack", useXNNPACK).
			Timing("model-init", time.Since(start)).
			Build()
	}

	m := &TFLiteModel{path: path, modelData: data, threads: threads}
	m.model = tflite.NewModel(data)
	if m.model == nil {
		return nil, initErr("cannot load TensorFlow Lite model")
	}

	m.options = tflite.NewInterpreterOptions()
	if useXNNPACK {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))}) //nolint:gosec // bounded by CPU count
		if delegate == nil {
			GetLogger().Warn("XNNPACK delegate unavailable, using default CPU kernels")
			m.options.SetNumThread(threads)
		} else {
			m.delegate = delegate
			m.options.AddDelegate(delegate)
			m.options.SetNumThread(1)
		}
	} else {
		m.options.SetNumThread(threads)
	}
	m.options.SetErrorReporter(func(msg string, _ any) {
		GetLogger().Error("TFLite error", logger.String("message", msg))
	}, nil)

	m.interpreter = tflite.NewInterpreter(m.model, m.options)
	if m.interpreter == nil {
		m.release()
		return nil, initErr("cannot create interpreter")
	}
	if status := m.interpreter.AllocateTensors(); status != tflite.OK {
		m.release()
		return nil, initErr("tensor allocation failed")
	}

	if err := m.readShapes(); err != nil {
		m.release()
		return nil, initErr(err.Error())
	}

	GetLogger().Info("model loaded",
		logger.String("model", filepath.Base(path)),
		logger.Int("input_steps", m.steps),
		logger.Int("input_bands", m.bands),
		logger.Int("classes", m.classes),
		logger.Int("threads", threads),
		logger.Bool("xnnpack", m.delegate != nil),
		logger.Duration("load_time", time.Since(start)))
	return m, nil
}

func (m *TFLiteModel) readShapes() error {
	in := m.interpreter.GetInputTensor(0)
	out := m.interpreter.GetOutputTensor(0)
	if in == nil || out == nil {
		return fmt.Errorf("model has no input or output tensor")
	}
	if in.NumDims() < 2 {
		return fmt.Errorf("input tensor rank %d, want a [steps, bands] spectrogram", in.NumDims())
	}
	m.steps = in.Dim(in.NumDims() - 2)
	m.bands = in.Dim(in.NumDims() - 1)
	m.classes = out.Dim(out.NumDims() - 1)
	if !supportedType(in.Type()) || !supportedType(out.Type()) {
		return fmt.Errorf("unsupported tensor types %v -> %v", in.Type(), out.Type())
	}
	return nil
}

func supportedType(t tflite.TensorType) bool {
	return t == tflite.Float32 || t == tflite.Int8 || t == tflite.UInt8
}

// Invoke quantizes input as needed, runs the interpreter and returns the
// dequantized output.
func (m *TFLiteModel) Invoke(input []float32) ([]float32, error) {
	if m.interpreter == nil {
		return nil, ErrEngineClosed
	}
	in := m.interpreter.GetInputTensor(0)
	if want := m.steps * m.bands; len(input) != want {
		return nil, errors.Newf("input has %d values, model expects %d", len(input), want).
			Component(componentInference).
			Category(errors.CategoryValidation).
			Build()
	}

	q := in.QuantizationParams()
	switch in.Type() {
	case tflite.Float32:
		copy(in.Float32s(), input)
	case tflite.Int8:
		dst := in.Int8s()
		for i, v := range input {
			dst[i] = int8(quantize(v, q.Scale, q.ZeroPoint, math.MinInt8, math.MaxInt8))
		}
	case tflite.UInt8:
		dst := in.UInt8s()
		for i, v := range input {
			dst[i] = uint8(quantize(v, q.Scale, q.ZeroPoint, 0, math.MaxUint8))
		}
	}

	if status := m.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.Newf("tensor invoke failed: %v", status).
			Component(componentInference).
			Category(errors.CategoryInference).
			ModelContext(m.path, modelID(m.path)).
			Build()
	}

	out := m.interpreter.GetOutputTensor(0)
	probs := make([]float32, m.classes)
	oq := out.QuantizationParams()
	switch out.Type() {
	case tflite.Float32:
		copy(probs, out.Float32s())
	case tflite.Int8:
		for i, v := range out.Int8s()[:m.classes] {
			probs[i] = dequantize(int(v), oq.Scale, oq.ZeroPoint)
		}
	case tflite.UInt8:
		for i, v := range out.UInt8s()[:m.classes] {
			probs[i] = dequantize(int(v), oq.Scale, oq.ZeroPoint)
		}
	}
	return probs, nil
}

func quantize(v float32, scale float64, zeroPoint, lo, hi int) int {
	if scale == 0 {
		return max(lo, min(hi, zeroPoint))
	}
	q := int(math.Round(float64(v)/scale)) + zeroPoint
	return max(lo, min(hi, q))
}

func dequantize(q int, scale float64, zeroPoint int) float32 {
	return float32(float64(q-zeroPoint) * scale)
}

// InputShape returns the model's time steps and mel bands.
func (m *TFLiteModel) InputShape() (steps, bands int) { return m.steps, m.bands }

// NumClasses returns the output length.
func (m *TFLiteModel) NumClasses() int { return m.classes }

// Threads returns the interpreter thread count.
func (m *TFLiteModel) Threads() int { return m.threads }

// Close deletes the interpreter and model. It must not overlap Invoke;
// Engine serializes the two.
func (m *TFLiteModel) Close() error {
	m.release()
	return nil
}

func (m *TFLiteModel) release() {
	if m.interpreter != nil {
		m.interpreter.Delete()
		m.interpreter = nil
	}
	if m.options != nil {
		m.options.Delete()
		m.options = nil
	}
	if m.delegate != nil {
		m.delegate.Delete()
		m.delegate = nil
	}
	if m.model != nil {
		m.model.Delete()
		m.model = nil
	}
	m.modelData = nil
}

// modelID derives a short identifier from the file name.
func modelID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// NewTFLiteEngine loads the model at modelPath with the given thread count
// and wraps it in an Engine. labelsPath is optional.
func NewTFLiteEngine(modelPath, labelsPath string, threads int, useXNNPACK bool) (*Engine, error) {
	model, err := LoadTFLiteModel(modelPath, threads, useXNNPACK)
	if err != nil {
		return nil, err
	}

	labels := DefaultLabels(model.NumClasses())
	if labelsPath != "" {
		if labels, err = LoadLabels(labelsPath, model.NumClasses()); err != nil {
			_ = model.Close()
			return nil, err
		}
	}

	engine, err := NewEngine(model, EngineOptions{
		Threads: model.Threads(),
		Labels:  labels,
		ModelID: modelID(modelPath),
	})
	if err != nil {
		_ = model.Close()
		return nil, err
	}
	return engine, nil
}
