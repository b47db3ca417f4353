package removebg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/phuslu/log"
	"github.com/segmentio/ksuid"

	"github.com/DougieWougie/RemoveBackground/options"
	"github.com/DougieWougie/RemoveBackground/util/fileutil"
)

// ModelStore locates the u2net weights on disk and fetches them once when they are missing.
type ModelStore struct {
	Dir      string
	Filename string
	URL      string
	client   options.HTTPClient
}

// NewModelStore creates a store over o. An empty o.Dir is resolved to <home>/.u2net when the
// weights are first needed.
func NewModelStore(o *options.ModelOptions) (*ModelStore, error) {
	if o == nil {
		return nil, errors.New("model options must not be nil")
	}
	store := &ModelStore{
		Dir:      o.Dir,
		Filename: o.Filename,
		URL:      o.URL,
		client:   o.HTTPClient,
	}
	if store.Filename == "" {
		store.Filename = options.DefaultModelFilename
	}
	if store.URL == "" {
		store.URL = options.DefaultModelURL
	}
	if store.client == nil {
		store.client = http.DefaultClient
	}
	return store, nil
}

// Path is where the weights live once present.
func (m *ModelStore) Path() (string, error) {
	dir, err := m.dir()
	if err != nil {
		return "", err
	}
	return fileutil.PathJoinSafe(dir, m.Filename), nil
}

func (m *ModelStore) dir() (string, error) {
	if m.Dir != "" {
		return m.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve home directory: %w", ErrModelInit, err)
	}
	return fileutil.PathJoinSafe(home, options.DefaultModelDirName), nil
}

// EnsureArtifact returns the path of the weights, downloading them first if needed.
func (m *ModelStore) EnsureArtifact() (string, error) {
	return m.EnsureArtifactContext(context.Background())
}

// EnsureArtifactContext is EnsureArtifact with a context bounding the download.
// There is no retry and no checksum; a failed download leaves nothing behind.
func (m *ModelStore) EnsureArtifactContext(ctx context.Context) (string, error) {
	dir, err := m.dir()
	if err != nil {
		return "", err
	}
	if err = fileutil.CreateFile(dir, true); err != nil {
		return "", fmt.Errorf("%w: creating model directory %s: %w", ErrModelInit, dir, err)
	}
	path := fileutil.PathJoinSafe(dir, m.Filename)
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return "", fmt.Errorf("%w: checking %s: %w", ErrModelInit, path, err)
	}
	if exists {
		return path, nil
	}
	if err = m.download(ctx, path); err != nil {
		return "", fmt.Errorf("%w: downloading %s: %w", ErrModelInit, m.URL, err)
	}
	return path, nil
}

func (m *ModelStore) download(ctx context.Context, path string) (err error) {
	log.Info().Str("url", m.URL).Str("path", path).Msg("downloading model")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, resp.Body.Close())
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	// written under a unique name and renamed, so readers never see a partial file. The part file
	// keeps the extension of path, otherwise afs moves it into a directory named path.
	ext := filepath.Ext(path)
	partPath := strings.TrimSuffix(path, ext) + "." + ksuid.New().String() + ".part" + ext
	writer, err := fileutil.NewFileWriter(partPath, "application/octet-stream")
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(writer, resp.Body)
	if closeErr := writer.Close(); copyErr != nil || closeErr != nil {
		return errors.Join(copyErr, closeErr, m.discard(partPath))
	}
	if n == 0 {
		return errors.Join(errors.New("empty response body"), m.discard(partPath))
	}
	if moveErr := fileutil.MoveFile(ctx, partPath, path); moveErr != nil {
		return errors.Join(moveErr, m.discard(partPath))
	}

	log.Info().Str("path", path).Int64("bytes", n).Msg("model downloaded")
	return nil
}

func (m *ModelStore) discard(partPath string) error {
	exists, err := fileutil.FileExists(partPath)
	if err != nil || !exists {
		return err
	}
	return fileutil.DeleteFile(partPath)
}
