package removebg

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/singleflight"

	"github.com/DougieWougie/RemoveBackground/backends"
	"github.com/DougieWougie/RemoveBackground/options"
	"github.com/DougieWougie/RemoveBackground/pipelines"
	"github.com/DougieWougie/RemoveBackground/util/fileutil"
	"github.com/DougieWougie/RemoveBackground/util/imageutil"
)

// Session owns the process-wide saliency model. The model is loaded on first use; concurrent first
// callers wait for the same load and all see its result. A failed load is not remembered.
type Session struct {
	options            *options.Options
	store              *ModelStore
	pipeline           *pipelines.BackgroundRemovalPipeline
	model              atomic.Pointer[loadedModel]
	loads              singleflight.Group
	initialiseRuntime  func(o *options.Options) error
	loadModel          modelLoader
	environmentDestroy func() error
}

type loadedModel struct {
	engine  pipelines.Engine
	destroy func() error
}

type modelLoader func(path string, o *options.Options) (*loadedModel, error)

func loadBackendModel(path string, o *options.Options) (*loadedModel, error) {
	model, err := backends.LoadModel(path, o)
	if err != nil {
		return nil, err
	}
	return &loadedModel{engine: model, destroy: model.Destroy}, nil
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}
	store, err := NewModelStore(parsedOptions.ModelOptions)
	if err != nil {
		return nil, err
	}

	session := &Session{
		options:   parsedOptions,
		store:     store,
		loadModel: loadBackendModel,
		initialiseRuntime: func(*options.Options) error {
			return nil
		},
		environmentDestroy: func() error {
			return nil
		},
	}
	session.pipeline = pipelines.NewBackgroundRemovalPipeline(session)
	return session, nil
}

// NewSession creates a session on the onnxruntime backend. The pure Go backend cannot run the
// u2net weights, so it is never picked implicitly; use NewGoSession for models it supports.
func NewSession(opts ...options.WithOption) (*Session, error) {
	if !backends.ORTEnabled {
		return nil, fmt.Errorf("%w: the default session runs on onnxruntime, build with `-tags ORT` or `-tags ALL`", ErrModelInit)
	}
	return NewORTSession(opts...)
}

// NewGoSession creates a session that runs the model with the pure Go interpreter. When the opset
// of the weights is known up front and gonnx lacks it, the session fails before downloading.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	session, err := newSession("GO", opts...)
	if err != nil {
		return nil, err
	}
	session.initialiseRuntime = func(o *options.Options) error {
		return backends.CheckGoOpset(o.ModelOptions.Opset)
	}
	return session, nil
}

// Store returns the model store the session reads the weights from.
func (s *Session) Store() *ModelStore {
	return s.store
}

// Loaded reports whether the model has been initialised.
func (s *Session) Loaded() bool {
	return s.model.Load() != nil
}

// Model returns the loaded model, initialising it on first use.
func (s *Session) Model() (pipelines.Engine, error) {
	if m := s.model.Load(); m != nil {
		return m.engine, nil
	}
	v, err, _ := s.loads.Do("model", func() (any, error) {
		if m := s.model.Load(); m != nil {
			return m, nil
		}
		m, err := s.initialise()
		if err != nil {
			return nil, err
		}
		s.model.Store(m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*loadedModel).engine, nil
}

func (s *Session) initialise() (*loadedModel, error) {
	start := time.Now()
	if err := s.initialiseRuntime(s.options); err != nil {
		return nil, fmt.Errorf("%w: %s runtime: %w", ErrModelInit, s.options.Backend, err)
	}
	path, err := s.store.EnsureArtifact()
	if err != nil {
		return nil, err
	}
	m, err := s.loadModel(path, s.options)
	if err != nil {
		if !errors.Is(err, ErrModelInit) {
			err = fmt.Errorf("%w: %w", ErrModelInit, err)
		}
		return nil, err
	}
	log.Info().Str("backend", s.options.Backend).Str("path", path).Dur("elapsed", time.Since(start)).Msg("model ready")
	return m, nil
}

// Infer runs the model on a prepared tensor, loading the model first if needed.
func (s *Session) Infer(input *backends.Tensor) (*backends.Tensor, error) {
	engine, err := s.Model()
	if err != nil {
		return nil, err
	}
	return engine.Infer(input)
}

// RemoveBackground writes input with its background removed as a PNG and returns the path written.
// An empty output writes <stem>_nobg.png next to input. Nothing is written on failure.
func (s *Session) RemoveBackground(input, output string) (string, error) {
	start := time.Now()
	exists, err := fileutil.FileExists(input)
	if err != nil {
		return "", fmt.Errorf("%w: checking %s: %w", ErrProcessing, input, err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, input)
	}
	object, err := fileutil.FileStats(input)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrProcessing, input, err)
	}
	if object.IsDir() || !object.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotAFile, input)
	}

	outputPath, err := OutputPath(input, output)
	if err != nil {
		return "", err
	}

	img, format, err := imageutil.LoadImage(input)
	if err != nil {
		return "", err
	}
	result, err := s.pipeline.Run(img)
	if err != nil {
		return "", err
	}
	encoded, err := imageutil.EncodePNG(result)
	if err != nil {
		return "", fmt.Errorf("%w: encoding png: %w", ErrProcessing, err)
	}
	if err = fileutil.WriteFile(outputPath, encoded, "image/png"); err != nil {
		return "", fmt.Errorf("%w: writing %s: %w", ErrProcessing, outputPath, err)
	}

	bounds := img.Bounds()
	log.Info().Str("input", input).Str("format", format).Int("width", bounds.Dx()).Int("height", bounds.Dy()).
		Str("output", outputPath).Dur("elapsed", time.Since(start)).Msg("background removed")
	return outputPath, nil
}

// Run removes the background of an already decoded image.
func (s *Session) Run(img image.Image) (*image.NRGBA, error) {
	return s.pipeline.Run(img)
}

// GetStats returns the timing statistics of the background removal pipeline.
func (s *Session) GetStats() []string {
	return s.pipeline.GetStats()
}

// GetStatistics returns the raw stage timings behind GetStats.
func (s *Session) GetStatistics() pipelines.PipelineStatistics {
	return s.pipeline.GetStatistics()
}

// Destroy releases the model and the runtime. The session can be used again afterwards; the model
// is then loaded anew.
func (s *Session) Destroy() error {
	var err error
	if m := s.model.Swap(nil); m != nil && m.destroy != nil {
		err = m.destroy()
	}
	err = errors.Join(err, s.options.Destroy())
	s.options.BackendOptions = nil
	s.options.Destroy = func() error {
		return nil
	}
	return errors.Join(err, s.environmentDestroy())
}

var (
	defaultSessionLock sync.Mutex
	defaultSession     *Session
)

// Default returns the process-wide session, creating it with default options on first use.
func Default() (*Session, error) {
	defaultSessionLock.Lock()
	defer defaultSessionLock.Unlock()
	if defaultSession == nil {
		session, err := NewSession()
		if err != nil {
			return nil, err
		}
		defaultSession = session
	}
	return defaultSession, nil
}

// Configure replaces the process-wide session with one built from opts. It fails once the model
// of the current session has been loaded.
func Configure(opts ...options.WithOption) error {
	session, err := NewSession(opts...)
	if err != nil {
		return err
	}
	return setDefault(session)
}

func setDefault(session *Session) error {
	defaultSessionLock.Lock()
	defer defaultSessionLock.Unlock()
	if defaultSession != nil && defaultSession.Loaded() {
		return errors.New("the model is already loaded, configure the session before first use")
	}
	defaultSession = session
	return nil
}

// RemoveBackground runs Session.RemoveBackground on the process-wide session.
func RemoveBackground(input, output string) (string, error) {
	session, err := Default()
	if err != nil {
		return "", err
	}
	return session.RemoveBackground(input, output)
}
