package removebg

import (
	"errors"

	"github.com/DougieWougie/RemoveBackground/backends"
	"github.com/DougieWougie/RemoveBackground/pipelines"
	"github.com/DougieWougie/RemoveBackground/util/imageutil"
)

// Error kinds. Every error returned by this module wraps exactly one of them; test with errors.Is.
var (
	ErrFileNotFound = errors.New("file not found")
	ErrNotAFile     = errors.New("not a file")
	ErrImageDecode  = imageutil.ErrImageDecode
	ErrModelInit    = backends.ErrModelInit
	ErrModel        = backends.ErrModel
	ErrProcessing   = pipelines.ErrProcessing
)

// ExitCode maps an error to the process exit status used by the command line tool.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrFileNotFound):
		return 1
	case errors.Is(err, ErrNotAFile), errors.Is(err, ErrImageDecode):
		return 2
	default:
		return 3
	}
}
