//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/DougieWougie/RemoveBackground/options"
)

// ORTEnabled reports whether the onnxruntime backend was compiled in.
const ORTEnabled = false

var errORTDisabled = errors.New("ORT is not enabled, build with -tags ORT")

type ORTModel struct {
	Destroy func() error
}

func InitializeORTEnvironment(_ *options.Options) error {
	return errORTDisabled
}

func DestroyORTEnvironment() error {
	return nil
}

func createORTModelBackend(_ *Model, _ *options.Options) error {
	return errORTDisabled
}

func runORTModel(_ *Model, _ *Tensor) (*Tensor, error) {
	return nil, errORTDisabled
}
