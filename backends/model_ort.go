//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/phuslu/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/DougieWougie/RemoveBackground/options"
	"github.com/DougieWougie/RemoveBackground/util/fileutil"
)

// ORTEnabled reports whether the onnxruntime backend was compiled in.
const ORTEnabled = true

var ortEnvironmentLock sync.Mutex

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Destroy        func() error
}

// InitializeORTEnvironment starts onnxruntime once per process and prepares the session options in
// o.BackendOptions. Calling it again is a no-op.
func InitializeORTEnvironment(o *options.Options) error {
	ortEnvironmentLock.Lock()
	defer ortEnvironmentLock.Unlock()

	ortOptions := o.ORTOptions
	if !ort.IsInitialized() {
		if ortOptions.LibraryPath != nil {
			exists, err := fileutil.FileExists(*ortOptions.LibraryPath)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("cannot find the ort library at: %s", *ortOptions.LibraryPath)
			}
			ort.SetSharedLibraryPath(*ortOptions.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return err
		}
		log.Debug().Msg("onnxruntime environment initialised")
	}

	if ortOptions.Telemetry != nil && *ortOptions.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return err
		}
	}

	if _, ok := o.BackendOptions.(*ort.SessionOptions); ok {
		return nil
	}
	sessionOptions, err := newORTSessionOptions(ortOptions)
	if err != nil {
		return err
	}
	o.BackendOptions = sessionOptions
	o.Destroy = func() error {
		return sessionOptions.Destroy()
	}
	return nil
}

// DestroyORTEnvironment shuts onnxruntime down. Models created before must be destroyed first.
func DestroyORTEnvironment() error {
	ortEnvironmentLock.Lock()
	defer ortEnvironmentLock.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func newORTSessionOptions(o *options.OrtOptions) (*ort.SessionOptions, error) {
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if err = applyORTSessionOptions(sessionOptions, o); err != nil {
		return nil, errors.Join(err, sessionOptions.Destroy())
	}
	return sessionOptions, nil
}

func applyORTSessionOptions(sessionOptions *ort.SessionOptions, o *options.OrtOptions) error {
	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return err
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return err
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return err
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cudaOptions.Destroy()
		if len(o.CudaOptions) > 0 {
			if err = cudaOptions.Update(o.CudaOptions); err != nil {
				return err
			}
		}
		if err = sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return err
		}
	}
	return nil
}

func createORTModelBackend(model *Model, o *options.Options) error {
	if err := InitializeORTEnvironment(o); err != nil {
		return err
	}
	sessionOptions := o.BackendOptions.(*ort.SessionOptions)

	inputs, outputs, err := loadInputOutputMetaORTFile(model.Path)
	if err != nil {
		return err
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	if len(inputs) == 0 || len(outputs) == 0 {
		return fmt.Errorf("model %s declares %d inputs and %d outputs", model.Path, len(inputs), len(outputs))
	}

	// only the first output (the fused saliency map) is ever read
	session, err := ort.NewDynamicAdvancedSession(
		model.Path,
		GetNames(inputs),
		GetNames(outputs[:1]),
		sessionOptions,
	)
	if err != nil {
		return err
	}

	model.ORTModel = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Destroy: func() error {
			return session.Destroy()
		},
	}
	return nil
}

func loadInputOutputMetaORTFile(onnxPath string) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		elementType := fmt.Sprintf("onnx element type %d", int(inputOutput.DataType))
		if inputOutput.DataType == ort.TensorElementDataTypeFloat {
			elementType = "float32"
		}
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:        inputOutput.Name,
			Dimensions:  Shape(inputOutput.Dimensions),
			ElementType: elementType,
		}
	}
	return inputOutputsStandardised
}

func runORTModel(model *Model, input *Tensor) (*Tensor, error) {
	if model.ORTModel == nil || model.ORTModel.Session == nil {
		return nil, errors.New("ORT session is not initialized")
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, err
	}
	defer func() {
		if destroyErr := inputTensor.Destroy(); destroyErr != nil {
			log.Warn().Err(destroyErr).Msg("failed to release input tensor")
		}
	}()

	// a nil slot is allocated by onnxruntime with the runtime output shape
	outputs := []ort.Value{nil}
	if err = model.ORTModel.Session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, err
	}
	defer func() {
		if destroyErr := outputs[0].Destroy(); destroyErr != nil {
			log.Warn().Err(destroyErr).Msg("failed to release output tensor")
		}
	}()

	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output %s has unsupported type %T", model.OutputsMeta[0].Name, outputs[0])
	}
	return NewTensor(Shape(outputTensor.GetShape()), slices.Clone(outputTensor.GetData()))
}
