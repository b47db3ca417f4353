package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DougieWougie/RemoveBackground/backends"
	"github.com/DougieWougie/RemoveBackground/pipelines"
)

// opaqueRemover keeps every pixel and sets alpha to a fixed value.
type opaqueRemover struct {
	alpha uint8
	err   error
	calls int
}

func (r *opaqueRemover) Run(img image.Image) (*image.NRGBA, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := range b.Dy() {
		for x := range b.Dx() {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = r.alpha
			out.SetNRGBA(x, y, c)
		}
	}
	return out, nil
}

func (r *opaqueRemover) GetStats() []string {
	return []string{fmt.Sprintf("Calls: %d", r.calls)}
}

func init() {
	gin.SetMode(gin.TestMode)
}

func uploadRequest(t *testing.T, field string, payload []byte) *http.Request {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, "upload.png")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/remove", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func pngBytes(t *testing.T, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	router := NewRouter(&opaqueRemover{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStats(t *testing.T) {
	router := NewRouter(&opaqueRemover{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"Calls: 0"}, body["stats"])
}

func TestRemove(t *testing.T) {
	remover := &opaqueRemover{alpha: 127}
	router := NewRouter(remover)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "image", pngBytes(t, 12, 7)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	decoded, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 12, 7), decoded.Bounds())
	got := color.NRGBAModel.Convert(decoded.At(3, 3)).(color.NRGBA)
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 127}, got)
	assert.Equal(t, 1, remover.calls)
}

func TestRemoveBadRequests(t *testing.T) {
	remover := &opaqueRemover{}
	router := NewRouter(remover)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "file", pngBytes(t, 2, 2)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "image", []byte("plain text, not an image")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/remove", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 0, remover.calls)
}

func TestRemoveFailures(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("%w: weights missing", backends.ErrModelInit), want: http.StatusServiceUnavailable},
		{err: fmt.Errorf("%w: bad output", backends.ErrModel), want: http.StatusInternalServerError},
		{err: fmt.Errorf("%w: empty image", pipelines.ErrProcessing), want: http.StatusInternalServerError},
		{err: errors.New("unexpected"), want: http.StatusInternalServerError},
	}
	for _, c := range cases {
		router := NewRouter(&opaqueRemover{err: c.err})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, uploadRequest(t, "image", pngBytes(t, 4, 4)))
		assert.Equal(t, c.want, rec.Code, c.err.Error())

		var body map[string]string
		require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, c.err.Error(), body["error"])
	}
}

func TestPreflight(t *testing.T) {
	router := NewRouter(&opaqueRemover{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/remove", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
