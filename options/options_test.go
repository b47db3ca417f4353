package options

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBackend(backend string) *Options {
	o := Defaults()
	o.Backend = backend
	return o
}

func TestDefaults(t *testing.T) {
	o := Defaults()
	assert.Equal(t, DefaultModelFilename, o.ModelOptions.Filename)
	assert.Equal(t, DefaultModelURL, o.ModelOptions.URL)
	assert.Empty(t, o.ModelOptions.Dir)
	assert.Equal(t, int64(DefaultModelOpset), o.ModelOptions.Opset)
	assert.Same(t, http.DefaultClient, o.ModelOptions.HTTPClient)
	require.NotNil(t, o.ORTOptions.LibraryPath)
	libraryName, _, _ := getDefaultLibraryPaths()
	assert.Equal(t, libraryName, filepath.Base(*o.ORTOptions.LibraryPath))
	assert.NoError(t, o.Destroy())
}

func TestORTOnlyOptionsRejectGoBackend(t *testing.T) {
	for name, option := range map[string]WithOption{
		"telemetry":  WithTelemetry(),
		"intraOp":    WithIntraOpNumThreads(2),
		"interOp":    WithInterOpNumThreads(2),
		"memArena":   WithCPUMemArena(false),
		"memPattern": WithMemPattern(false),
		"cuda":       WithCuda(nil),
		"library":    WithOnnxLibraryPath(t.TempDir()),
	} {
		assert.Error(t, option(withBackend("GO")), name)
	}
}

func TestORTOptions(t *testing.T) {
	o := withBackend("ORT")
	require.NoError(t, WithTelemetry()(o))
	require.NoError(t, WithIntraOpNumThreads(4)(o))
	require.NoError(t, WithInterOpNumThreads(1)(o))
	require.NoError(t, WithCPUMemArena(false)(o))
	require.NoError(t, WithMemPattern(true)(o))
	require.NoError(t, WithCuda(nil)(o))

	assert.True(t, *o.ORTOptions.Telemetry)
	assert.Equal(t, 4, *o.ORTOptions.IntraOpNumThreads)
	assert.Equal(t, 1, *o.ORTOptions.InterOpNumThreads)
	assert.False(t, *o.ORTOptions.CPUMemArena)
	assert.True(t, *o.ORTOptions.MemPattern)
	assert.NotNil(t, o.ORTOptions.CudaOptions)

	assert.Error(t, WithIntraOpNumThreads(-1)(o))
	assert.Error(t, WithInterOpNumThreads(-1)(o))
}

func TestWithOnnxLibraryPath(t *testing.T) {
	dir := t.TempDir()
	libraryName, _, _ := getDefaultLibraryPaths()
	library := filepath.Join(dir, libraryName)

	o := withBackend("ORT")
	assert.Error(t, WithOnnxLibraryPath(dir)(o), "directory without the library")
	assert.Error(t, WithOnnxLibraryPath(filepath.Join(dir, "missing.so"))(o))

	require.NoError(t, os.WriteFile(library, []byte("elf"), 0o600))
	require.NoError(t, WithOnnxLibraryPath(dir)(o))
	assert.Equal(t, library, *o.ORTOptions.LibraryPath)
	assert.Equal(t, dir, *o.ORTOptions.LibraryDir)

	o = withBackend("ORT")
	require.NoError(t, WithOnnxLibraryPath(library)(o))
	assert.Equal(t, library, *o.ORTOptions.LibraryPath)
	assert.Equal(t, dir, *o.ORTOptions.LibraryDir)
}

func TestModelOptions(t *testing.T) {
	o := withBackend("GO")
	client := &http.Client{}
	require.NoError(t, WithModelDir("/var/cache/u2net")(o))
	require.NoError(t, WithModelURL("https://example.com/u2net.onnx")(o))
	require.NoError(t, WithHTTPClient(client)(o))
	assert.Equal(t, "/var/cache/u2net", o.ModelOptions.Dir)
	assert.Equal(t, "https://example.com/u2net.onnx", o.ModelOptions.URL)
	assert.Same(t, client, o.ModelOptions.HTTPClient)

	assert.Equal(t, int64(0), o.ModelOptions.Opset, "a custom url has an unknown opset")
	require.NoError(t, WithModelOpset(13)(o))
	assert.Equal(t, int64(13), o.ModelOptions.Opset)
	assert.Error(t, WithModelOpset(-1)(o))

	assert.Error(t, WithModelDir("")(o))
	assert.Error(t, WithModelURL("")(o))
	assert.Error(t, WithHTTPClient(nil)(o))
}
