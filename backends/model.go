package backends

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"github.com/DougieWougie/RemoveBackground/options"
	"github.com/DougieWougie/RemoveBackground/util/fileutil"
)

var (
	// ErrModelInit is returned when the runtime or the weights cannot be brought up.
	ErrModelInit = errors.New("model initialization error")
	// ErrModel is returned when a loaded model rejects an input or fails to run.
	ErrModel = errors.New("model error")
)

// Model is a loaded saliency network. It is read-only after LoadModel returns.
type Model struct {
	ID          string
	Runtime     string
	Path        string
	ORTModel    *ORTModel
	GoModel     *GoModel
	InputsMeta  []InputOutputInfo
	OutputsMeta []InputOutputInfo
	Destroy     func() error
}

// LoadModel opens the .onnx file at path with the runtime selected in options.
func LoadModel(path string, options *options.Options) (*Model, error) {
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("%w: checking %s: %w", ErrModelInit, path, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: model file %s does not exist", ErrModelInit, path)
	}

	model := &Model{
		ID:      options.Backend + ":" + path,
		Runtime: options.Backend,
		Path:    path,
	}

	switch options.Backend {
	case "ORT":
		err = createORTModelBackend(model, options)
	case "GO":
		err = createGoModelBackend(model)
	default:
		err = fmt.Errorf("backend %q is not supported", options.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelInit, err)
	}

	model.Destroy = func() error {
		var destroyErr error
		switch model.Runtime {
		case "ORT":
			if model.ORTModel != nil {
				destroyErr = model.ORTModel.Destroy()
				model.ORTModel = nil
			}
		case "GO":
			model.GoModel = nil
		}
		return destroyErr
	}

	if err = model.validate(); err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %w", ErrModelInit, err), model.Destroy())
	}

	log.Debug().Str("runtime", model.Runtime).Str("path", path).
		Str("input", model.InputsMeta[0].Name).Str("inputShape", model.InputsMeta[0].Dimensions.String()).
		Str("output", model.OutputsMeta[0].Name).Msg("model loaded")
	return model, nil
}

func (m *Model) validate() error {
	if len(m.InputsMeta) != 1 {
		return fmt.Errorf("expected a single image input, model declares %d inputs", len(m.InputsMeta))
	}
	if len(m.OutputsMeta) == 0 {
		return errors.New("model declares no outputs")
	}
	if dims := m.InputsMeta[0].Dimensions; len(dims) != 4 {
		return fmt.Errorf("input %s: expected 4 dimensions (batch, channels, height, width), got %d", m.InputsMeta[0].Name, len(dims))
	}
	return nil
}

// Infer runs the network on input and returns its first declared output with the shape the
// runtime reports. It does not change the model.
func (m *Model) Infer(input *Tensor) (*Tensor, error) {
	if input == nil {
		return nil, fmt.Errorf("%w: nil input tensor", ErrModel)
	}
	if err := input.checkAgainst(m.InputsMeta[0]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}

	var output *Tensor
	var err error
	switch m.Runtime {
	case "ORT":
		output, err = runORTModel(m, input)
	case "GO":
		output, err = runGoModel(m, input)
	default:
		err = fmt.Errorf("runtime %q is not supported", m.Runtime)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}
	return output, nil
}
