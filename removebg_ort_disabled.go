//go:build !cgo || (!ORT && !ALL)

package removebg

import (
	"errors"

	"github.com/DougieWougie/RemoveBackground/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`")
}
