package options

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/DougieWougie/RemoveBackground/util/fileutil"
)

// DefaultModelURL is the release asset the u2net weights are fetched from.
const DefaultModelURL = "https://github.com/danielgatis/rembg/releases/download/v0.0.0/u2net.onnx"

// DefaultModelFilename is the name of the cached weights inside the model directory.
const DefaultModelFilename = "u2net.onnx"

// DefaultModelOpset is the ONNX opset the weights at DefaultModelURL were exported with.
const DefaultModelOpset = 11

// DefaultModelDirName is created under the user's home directory when no model directory is set.
const DefaultModelDirName = ".u2net"

// HTTPClient is the subset of *http.Client used to fetch the model.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	BackendOptions any
	ORTOptions     *OrtOptions
	ModelOptions   *ModelOptions
	Destroy        func() error
	Backend        string
}

// ModelOptions controls where the u2net weights are cached and where they are fetched from.
type ModelOptions struct {
	// Dir holding the weights. Empty means <home>/.u2net.
	Dir        string
	Filename   string
	URL        string
	HTTPClient HTTPClient
	// Opset the weights were exported with, when known ahead of the download. Zero is unknown.
	Opset      int64
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		ModelOptions: &ModelOptions{
			Filename:   DefaultModelFilename,
			URL:        DefaultModelURL,
			HTTPClient: http.DefaultClient,
			Opset:      DefaultModelOpset,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) sets the location of the onnxruntime shared library. The path may be
// the library file itself or the directory holding it.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return errors.New("WithOnnxLibraryPath is only supported for ORT backend")
		}
		object, err := fileutil.FileStats(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		libraryDir := ortLibraryPath
		libraryFullPath := ortLibraryPath
		if object.IsDir() {
			libraryName, _, _ := getDefaultLibraryPaths()
			libraryFullPath = fileutil.PathJoinSafe(ortLibraryPath, libraryName)
			exists, existsErr := fileutil.FileExists(libraryFullPath)
			if existsErr != nil {
				return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", existsErr)
			}
			if !exists {
				return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
			}
		} else {
			libraryDir = fileutil.Dir(ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &libraryFullPath
		o.ORTOptions.LibraryDir = &libraryDir
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return errors.New("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return errors.New("WithIntraOpNumThreads is only supported for ORT backend")
		}
		if numThreads < 0 {
			return fmt.Errorf("intra op thread count must not be negative, got %d", numThreads)
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across
// separate graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return errors.New("WithInterOpNumThreads is only supported for ORT backend")
		}
		if numThreads < 0 {
			return fmt.Errorf("inter op thread count must not be negative, got %d", numThreads)
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return errors.New("WithCPUMemArena is only supported for ORT backend")
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return errors.New("WithMemPattern is only supported for ORT backend")
	}
}

// WithCuda (ORT only) appends the CUDA execution provider with the given provider options.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			if options == nil {
				options = map[string]string{}
			}
			o.ORTOptions.CudaOptions = options
			return nil
		}
		return errors.New("WithCuda is only supported for ORT backend")
	}
}

// WithModelDir sets the directory the weights are cached in.
func WithModelDir(dir string) WithOption {
	return func(o *Options) error {
		if dir == "" {
			return errors.New("model directory must not be empty")
		}
		o.ModelOptions.Dir = dir
		return nil
	}
}

// WithModelURL overrides the location the weights are downloaded from. The opset of those
// weights is unknown unless WithModelOpset is also given.
func WithModelURL(url string) WithOption {
	return func(o *Options) error {
		if url == "" {
			return errors.New("model url must not be empty")
		}
		o.ModelOptions.URL = url
		o.ModelOptions.Opset = 0
		return nil
	}
}

// WithModelOpset declares the opset of the weights, so an unsupported backend fails before downloading.
func WithModelOpset(opset int64) WithOption {
	return func(o *Options) error {
		if opset < 0 {
			return fmt.Errorf("opset must not be negative, got %d", opset)
		}
		o.ModelOptions.Opset = opset
		return nil
	}
}

// WithHTTPClient sets the client used to download the weights.
func WithHTTPClient(client HTTPClient) WithOption {
	return func(o *Options) error {
		if client == nil {
			return errors.New("http client must not be nil")
		}
		o.ModelOptions.HTTPClient = client
		return nil
	}
}
