package pipelines

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"github.com/DougieWougie/RemoveBackground/backends"
	"github.com/DougieWougie/RemoveBackground/util/imageutil"
	"github.com/DougieWougie/RemoveBackground/util/safeconv"
)

// ModelInputSize is the square resolution the u2net family is trained on.
const ModelInputSize = 320

// ErrProcessing is returned for invalid intermediate data or I/O failures around the model.
var ErrProcessing = errors.New("processing error")

// Engine runs the saliency network on a prepared (1, 3, 320, 320) tensor.
type Engine interface {
	Infer(input *backends.Tensor) (*backends.Tensor, error)
}

// BackgroundRemovalPipeline turns a photograph into an RGBA image whose alpha is the predicted
// foreground probability.
type BackgroundRemovalPipeline struct {
	Engine             Engine
	PipelineName       string
	PreprocessTimings  *timings
	InferenceTimings   *timings
	PostprocessTimings *timings
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func (t *timings) add(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

func (t *timings) load() (uint64, uint64) {
	return atomic.LoadUint64(&t.NumCalls), atomic.LoadUint64(&t.TotalNS)
}

// PipelineStatistics summarises the time spent in each stage since the pipeline was created.
type PipelineStatistics struct {
	PreprocessTotalTime     time.Duration
	InferenceTotalTime      time.Duration
	InferenceExecutionCount uint64
	InferenceAvgQueryTime   time.Duration
	PostprocessTotalTime    time.Duration
	TotalImages             uint64
}

func NewBackgroundRemovalPipeline(engine Engine) *BackgroundRemovalPipeline {
	return &BackgroundRemovalPipeline{
		Engine:             engine,
		PipelineName:       "backgroundRemoval",
		PreprocessTimings:  &timings{},
		InferenceTimings:   &timings{},
		PostprocessTimings: &timings{},
	}
}

var (
	preprocessSteps = []imageutil.PreprocessStep{
		imageutil.RGBStep(),
		imageutil.ResizeExactStep(ModelInputSize, ModelInputSize),
	}
	normalizationSteps = []imageutil.NormalizationStep{
		imageutil.RescaleStep(),
	}
)

// Prepare converts img to RGB, resamples it to 320x320 and lays it out as a (1, 3, 320, 320)
// channel-first tensor with values in [0, 1].
func Prepare(img image.Image) (*backends.Tensor, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrProcessing)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty %dx%d image", ErrProcessing, b.Dx(), b.Dy())
	}
	processed := img
	for _, step := range preprocessSteps {
		var err error
		processed, err = step.Apply(processed)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to apply preprocessing step: %w", ErrProcessing, err)
		}
	}

	bounds := processed.Bounds()
	hh, ww := bounds.Dy(), bounds.Dx()
	plane := hh * ww
	data := make([]float32, 3*plane)
	rgba, isRGBA := processed.(*image.RGBA)
	for y := range hh {
		for x := range ww {
			var rf, gf, bf float32
			if isRGBA {
				i := rgba.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
				rf, gf, bf = float32(rgba.Pix[i]), float32(rgba.Pix[i+1]), float32(rgba.Pix[i+2])
			} else {
				r, g, b, _ := processed.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				rf, gf, bf = float32(r>>8), float32(g>>8), float32(b>>8)
			}
			for _, step := range normalizationSteps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			offset := y*ww + x
			data[offset] = rf
			data[plane+offset] = gf
			data[2*plane+offset] = bf
		}
	}
	return backends.NewTensor(backends.NewShape(1, 3, int64(hh), int64(ww)), data)
}

// Finalize turns the network output into a mask of width x height. The map size is read from the
// last two dimensions of out; the first map of the first batch entry is used.
func Finalize(out *backends.Tensor, width, height int) (*image.Gray, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid target size %dx%d", ErrProcessing, width, height)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: nil output tensor", backends.ErrModel)
	}
	rank := len(out.Shape)
	if rank < 2 {
		return nil, fmt.Errorf("%w: output shape %s has fewer than 2 dimensions", backends.ErrModel, out.Shape)
	}
	mh, mw := out.Shape[rank-2], out.Shape[rank-1]
	if mh <= 0 || mw <= 0 {
		return nil, fmt.Errorf("%w: output shape %s has an empty map", backends.ErrModel, out.Shape)
	}
	if int64(len(out.Data)) < mh*mw {
		return nil, fmt.Errorf("%w: output shape %s needs %d values, got %d", backends.ErrModel, out.Shape, mh*mw, len(out.Data))
	}

	mask := image.NewGray(image.Rect(0, 0, int(mw), int(mh)))
	for i := range mask.Pix {
		mask.Pix[i] = safeconv.UnitToUint8(out.Data[i])
	}
	resized, err := imageutil.ResizeGray(mask, width, height)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	return resized, nil
}

// Composite copies the colour of img and takes alpha from mask. No blending is done.
func Composite(img image.Image, mask *image.Gray) (*image.NRGBA, error) {
	if img == nil || mask == nil {
		return nil, fmt.Errorf("%w: nil image or mask", ErrProcessing)
	}
	bounds := img.Bounds()
	mb := mask.Bounds()
	if bounds.Dx() != mb.Dx() || bounds.Dy() != mb.Dy() {
		return nil, fmt.Errorf("%w: mask is %dx%d but image is %dx%d", ErrProcessing, mb.Dx(), mb.Dy(), bounds.Dx(), bounds.Dy())
	}
	rgb := imageutil.ToRGB(img)
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := range bounds.Dy() {
		for x := range bounds.Dx() {
			src := rgb.PixOffset(x, y)
			dst := out.PixOffset(x, y)
			out.Pix[dst+0] = rgb.Pix[src+0]
			out.Pix[dst+1] = rgb.Pix[src+1]
			out.Pix[dst+2] = rgb.Pix[src+2]
			out.Pix[dst+3] = mask.GrayAt(mb.Min.X+x, mb.Min.Y+y).Y
		}
	}
	return out, nil
}

// Run removes the background of img. Errors from any stage are returned unchanged.
func (p *BackgroundRemovalPipeline) Run(img image.Image) (*image.NRGBA, error) {
	if p.Engine == nil {
		return nil, fmt.Errorf("%w: pipeline has no engine", ErrProcessing)
	}

	start := time.Now()
	input, err := Prepare(img)
	if err != nil {
		return nil, err
	}
	p.PreprocessTimings.add(start)

	start = time.Now()
	output, err := p.Engine.Infer(input)
	if err != nil {
		return nil, err
	}
	p.InferenceTimings.add(start)

	start = time.Now()
	bounds := img.Bounds()
	mask, err := Finalize(output, bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, err
	}
	result, err := Composite(img, mask)
	if err != nil {
		return nil, err
	}
	p.PostprocessTimings.add(start)
	return result, nil
}

// GetStatistics returns the accumulated stage timings.
func (p *BackgroundRemovalPipeline) GetStatistics() PipelineStatistics {
	_, preNS := p.PreprocessTimings.load()
	calls, inferNS := p.InferenceTimings.load()
	images, postNS := p.PostprocessTimings.load()
	return PipelineStatistics{
		PreprocessTotalTime:     safeconv.U64ToDuration(preNS),
		InferenceTotalTime:      safeconv.U64ToDuration(inferNS),
		InferenceExecutionCount: calls,
		InferenceAvgQueryTime:   time.Duration(float64(inferNS) / math.Max(1, float64(calls))),
		PostprocessTotalTime:    safeconv.U64ToDuration(postNS),
		TotalImages:             images,
	}
}

// GetStats formats GetStatistics as printable lines.
func (p *BackgroundRemovalPipeline) GetStats() []string {
	s := p.GetStatistics()
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("Preprocess: Total time=%s", s.PreprocessTotalTime),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			s.InferenceTotalTime, s.InferenceExecutionCount, s.InferenceAvgQueryTime),
		fmt.Sprintf("Postprocess: Total time=%s, Images=%d", s.PostprocessTotalTime, s.TotalImages),
	}
}
