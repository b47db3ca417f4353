package pipelines

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DougieWougie/RemoveBackground/backends"
)

type constantEngine struct {
	shape backends.Shape
	value float32
	calls int
}

func (e *constantEngine) Infer(input *backends.Tensor) (*backends.Tensor, error) {
	e.calls++
	if input.Shape.String() != backends.NewShape(1, 3, ModelInputSize, ModelInputSize).String() {
		return nil, errors.New("unexpected input shape " + input.Shape.String())
	}
	data := make([]float32, e.shape.NumElements())
	for i := range data {
		data[i] = e.value
	}
	return backends.NewTensor(e.shape, data)
}

type failingEngine struct {
	err error
}

func (e failingEngine) Infer(*backends.Tensor) (*backends.Tensor, error) {
	return nil, e.err
}

func filled(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func constantTensor(t *testing.T, shape backends.Shape, v float32) *backends.Tensor {
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = v
	}
	tensor, err := backends.NewTensor(shape, data)
	require.NoError(t, err)
	return tensor
}

func TestPrepareSinglePixel(t *testing.T) {
	input, err := Prepare(filled(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, backends.NewShape(1, 3, 320, 320), input.Shape)

	plane := 320 * 320
	for i := range plane {
		require.Equal(t, float32(10)/255, input.Data[i])
		require.Equal(t, float32(20)/255, input.Data[plane+i])
		require.Equal(t, float32(30)/255, input.Data[2*plane+i])
	}
}

func TestPrepareRange(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 500, 300))
	for y := range 300 {
		for x := range 500 {
			// hard edges make Lanczos ring
			v := uint8(0)
			if (x/7+y/5)%2 == 0 {
				v = 255
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: 255 - v, B: v, A: 255})
		}
	}
	input, err := Prepare(img)
	require.NoError(t, err)
	assert.Equal(t, backends.NewShape(1, 3, 320, 320), input.Shape)
	require.Len(t, input.Data, 3*320*320)
	for _, v := range input.Data {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestPrepareGrayAndPaletted(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 40, 20))
	for i := range gray.Pix {
		gray.Pix[i] = 51
	}
	input, err := Prepare(gray)
	require.NoError(t, err)
	plane := 320 * 320
	assert.Equal(t, input.Data[0], input.Data[plane])
	assert.Equal(t, input.Data[0], input.Data[2*plane])
	assert.InDelta(t, 0.2, input.Data[0], 1e-6)

	paletted := image.NewPaletted(image.Rect(0, 0, 8, 8), color.Palette{color.RGBA{R: 255, A: 255}})
	input, err = Prepare(paletted)
	require.NoError(t, err)
	assert.Equal(t, float32(1), input.Data[0])
	assert.Equal(t, float32(0), input.Data[plane])
}

func TestPrepareEmptyImage(t *testing.T) {
	_, err := Prepare(image.NewNRGBA(image.Rect(0, 0, 0, 10)))
	assert.ErrorIs(t, err, ErrProcessing)
}

func TestFinalizeHalf(t *testing.T) {
	mask, err := Finalize(constantTensor(t, backends.NewShape(1, 1, 320, 320), 0.5), 500, 300)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 500, 300), mask.Bounds())
	for _, v := range mask.Pix {
		require.Equal(t, uint8(127), v)
	}
}

func TestFinalizeClamps(t *testing.T) {
	mask, err := Finalize(constantTensor(t, backends.NewShape(1, 1, 320, 320), 3.2), 10, 10)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), mask.GrayAt(5, 5).Y)

	mask, err = Finalize(constantTensor(t, backends.NewShape(1, 1, 320, 320), -0.4), 10, 10)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), mask.GrayAt(5, 5).Y)
}

func TestFinalizeReadsShapeFromTensor(t *testing.T) {
	mask, err := Finalize(constantTensor(t, backends.NewShape(1, 1, 160, 200), 1), 64, 48)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), mask.Bounds())
	assert.Equal(t, uint8(255), mask.GrayAt(0, 0).Y)

	mask, err = Finalize(constantTensor(t, backends.NewShape(32, 32), 0), 3, 3)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), mask.GrayAt(1, 1).Y)
}

func TestFinalizeErrors(t *testing.T) {
	_, err := Finalize(constantTensor(t, backends.NewShape(320), 0.5), 10, 10)
	assert.ErrorIs(t, err, backends.ErrModel)

	_, err = Finalize(&backends.Tensor{Shape: backends.NewShape(1, 1, 4, 4), Data: make([]float32, 3)}, 10, 10)
	assert.ErrorIs(t, err, backends.ErrModel)

	_, err = Finalize(constantTensor(t, backends.NewShape(1, 1, 4, 4), 0.5), 0, 10)
	assert.ErrorIs(t, err, ErrProcessing)
}

func TestComposite(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	mask := image.NewGray(image.Rect(0, 0, 3, 2))
	for y := range 2 {
		for x := range 3 {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 40), G: uint8(y * 90), B: 7, A: 255})
			mask.SetGray(x, y, color.Gray{Y: uint8(10*x + y)})
		}
	}
	out, err := Composite(img, mask)
	require.NoError(t, err)
	for y := range 2 {
		for x := range 3 {
			assert.Equal(t, color.NRGBA{R: uint8(x * 40), G: uint8(y * 90), B: 7, A: uint8(10*x + y)}, out.NRGBAAt(x, y))
		}
	}

	_, err = Composite(img, image.NewGray(image.Rect(0, 0, 2, 2)))
	assert.ErrorIs(t, err, ErrProcessing)
}

func TestCompositeIgnoresSourceAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	mask := image.NewGray(image.Rect(0, 0, 4, 3))
	for y := range 3 {
		for x := range 4 {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(50 + x), G: uint8(100 + y), B: 200, A: 10})
			mask.SetGray(x, y, color.Gray{Y: uint8(60*x + y)})
		}
	}
	out, err := Composite(img, mask)
	require.NoError(t, err)
	for y := range 3 {
		for x := range 4 {
			assert.Equal(t, color.NRGBA{R: uint8(50 + x), G: uint8(100 + y), B: 200, A: uint8(60*x + y)}, out.NRGBAAt(x, y))
		}
	}
}

func TestRunConstantHalf(t *testing.T) {
	engine := &constantEngine{shape: backends.NewShape(1, 1, 320, 320), value: 0.5}
	pipeline := NewBackgroundRemovalPipeline(engine)
	src := filled(500, 300, color.NRGBA{R: 12, G: 34, B: 56, A: 255})

	out, err := pipeline.Run(src)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 500, 300), out.Bounds())
	for y := 0; y < 300; y += 37 {
		for x := 0; x < 500; x += 41 {
			require.Equal(t, color.NRGBA{R: 12, G: 34, B: 56, A: 127}, out.NRGBAAt(x, y))
		}
	}
	assert.Equal(t, 1, engine.calls)

	stats := pipeline.GetStatistics()
	assert.Equal(t, uint64(1), stats.InferenceExecutionCount)
	assert.Equal(t, uint64(1), stats.TotalImages)
	assert.Len(t, pipeline.GetStats(), 4)
}

func TestRunPropagatesEngineError(t *testing.T) {
	engineErr := errors.New("session exploded")
	pipeline := NewBackgroundRemovalPipeline(failingEngine{err: engineErr})

	_, err := pipeline.Run(filled(4, 4, color.NRGBA{A: 255}))
	assert.Same(t, engineErr, err)
	assert.Equal(t, uint64(0), pipeline.GetStatistics().InferenceExecutionCount)
}

func TestRunWithoutEngine(t *testing.T) {
	_, err := (&BackgroundRemovalPipeline{}).Run(filled(4, 4, color.NRGBA{A: 255}))
	assert.ErrorIs(t, err, ErrProcessing)
}
