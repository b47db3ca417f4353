// Package server exposes background removal over HTTP.
package server

import (
	"bytes"
	"errors"
	"image"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"

	"github.com/DougieWougie/RemoveBackground/backends"
	"github.com/DougieWougie/RemoveBackground/util/imageutil"
)

// MaxUploadBytes bounds the multipart body accepted by /remove.
const MaxUploadBytes = 32 << 20

// Remover is the part of a removebg session the server needs.
type Remover interface {
	Run(img image.Image) (*image.NRGBA, error)
	GetStats() []string
}

type Handler struct {
	remover Remover
}

func NewHandler(remover Remover) *Handler {
	return &Handler{remover: remover}
}

// NewRouter registers the routes on a fresh gin engine.
func NewRouter(remover Remover) *gin.Engine {
	h := NewHandler(remover)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), cors())
	router.MaxMultipartMemory = MaxUploadBytes

	router.GET("/health", h.Health)
	router.GET("/stats", h.Stats)
	router.POST("/remove", h.Remove)
	return router
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": h.remover.GetStats()})
}

// Remove reads the multipart field "image" and answers with the cut-out as image/png.
func (h *Handler) Remove(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)
	header, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image file provided, use 'image' as the form field name"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	img, format, err := imageutil.DecodeImage(file)
	if err != nil {
		writeError(c, err)
		return
	}
	log.Debug().Str("filename", header.Filename).Str("format", format).Int64("size", header.Size).Msg("image received")

	result, err := h.remover.Run(img)
	if err != nil {
		writeError(c, err)
		return
	}
	encoded, err := imageutil.EncodePNG(result)
	if err != nil {
		writeError(c, err)
		return
	}
	c.DataFromReader(http.StatusOK, int64(len(encoded)), "image/png", bytes.NewReader(encoded), nil)
}

// StatusCode maps a removal error onto the HTTP status returned to the client.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, imageutil.ErrImageDecode):
		return http.StatusBadRequest
	case errors.Is(err, backends.ErrModelInit):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("background removal failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).Dur("elapsed", time.Since(start)).Msg("request")
	}
}
