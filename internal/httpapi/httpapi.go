// Package httpapi exposes the rendering service over HTTP. It owns
// request decoding, the admission middleware, rate-limit headers, and
// the mapping from service errors to status codes; all policy lives in
// the service itself.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	pdfapi "github.com/alnah/go-pdfapi"
)

// MaxUploadSize bounds multipart transform uploads. Rendering payloads
// are bounded separately by the service's max payload.
const MaxUploadSize = 50 << 20 // 50MB

// retryAfterSeconds is returned with 429 responses.
const retryAfterSeconds = 3600

// Service is the surface the HTTP layer needs from the rendering
// service. pdfapi.Service satisfies it; tests substitute a stub.
type Service interface {
	Admit(ctx context.Context, rawKey, clientIP string) (*pdfapi.Decision, error)
	Render(ctx context.Context, req *pdfapi.RenderRequest) (*pdfapi.RenderResult, error)
	RenderMarkdown(ctx context.Context, markdown string, opts *pdfapi.RenderOptions, watermark bool) (*pdfapi.RenderResult, error)
	Usage(ctx context.Context, rawKey, clientIP string) (*pdfapi.UsageStats, error)
	PoolStats() pdfapi.Stats
}

// Compile-time interface check.
var _ Service = (*pdfapi.Service)(nil)

const decisionKey = "pdfapi.decision"

// Handler wires HTTP routes to the rendering service.
type Handler struct {
	svc Service
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(svc Service) *gin.Engine {
	h := &Handler{svc: svc}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.health)

	v1 := r.Group("/api/v1")
	v1.GET("/usage", h.usage)

	admitted := v1.Group("", h.admit)
	admitted.POST("/html-to-pdf", h.htmlToPDF)
	admitted.POST("/url-to-pdf", h.urlToPDF)
	admitted.POST("/markdown-to-pdf", h.markdownToPDF)
	admitted.POST("/merge", h.merge)
	admitted.POST("/split", h.split)
	admitted.POST("/compress", h.compress)
	admitted.POST("/watermark", h.watermark)
	admitted.POST("/protect", h.protect)

	return r
}

// admit is the admission middleware: every operation that consumes
// capacity passes through here before touching a rendering resource.
func (h *Handler) admit(c *gin.Context) {
	dec, err := h.svc.Admit(c.Request.Context(), c.GetHeader("X-API-Key"), c.ClientIP())
	if dec != nil {
		setRateHeaders(c, dec)
	}
	if err != nil {
		switch {
		case errors.Is(err, pdfapi.ErrInvalidAPIKey):
			abortJSON(c, http.StatusUnauthorized, "invalid API key")
		case errors.Is(err, pdfapi.ErrQuotaExceeded), errors.Is(err, pdfapi.ErrRateLimited):
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      err.Error(),
				"used":       dec.QuotaUsed,
				"limit":      dec.Plan.MonthlyLimit,
				"plan":       dec.Plan.Name,
				"reset_date": dec.Reset.Format(time.RFC3339),
			})
		default:
			abortJSON(c, http.StatusInternalServerError, "admission failed")
		}
		return
	}

	c.Set(decisionKey, dec)
	c.Next()
}

func setRateHeaders(c *gin.Context, dec *pdfapi.Decision) {
	remaining := dec.Plan.MonthlyLimit - dec.QuotaUsed
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(dec.Plan.MonthlyLimit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Header("X-RateLimit-Reset", dec.Reset.Format(time.RFC3339))
}

// decision returns the admission decision stored by the middleware.
func decision(c *gin.Context) *pdfapi.Decision {
	v, _ := c.Get(decisionKey)
	dec, _ := v.(*pdfapi.Decision)
	return dec
}

type renderPayload struct {
	HTML     string                `json:"html"`
	URL      string                `json:"url"`
	Markdown string                `json:"markdown"`
	Options  *pdfapi.RenderOptions `json:"options"`
}

func (h *Handler) htmlToPDF(c *gin.Context) {
	var body renderPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.HTML == "" {
		abortJSON(c, http.StatusBadRequest, "html is required")
		return
	}

	res, err := h.svc.Render(c.Request.Context(), &pdfapi.RenderRequest{
		HTML:      body.HTML,
		Options:   body.Options,
		Watermark: decision(c).Plan.ForcesWatermark,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	servePDF(c, res.PDF, "document.pdf")
}

func (h *Handler) urlToPDF(c *gin.Context) {
	var body renderPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.URL == "" {
		abortJSON(c, http.StatusBadRequest, "url is required")
		return
	}

	res, err := h.svc.Render(c.Request.Context(), &pdfapi.RenderRequest{
		URL:       body.URL,
		Options:   body.Options,
		Watermark: decision(c).Plan.ForcesWatermark,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	servePDF(c, res.PDF, "document.pdf")
}

func (h *Handler) markdownToPDF(c *gin.Context) {
	var body renderPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.Markdown == "" {
		abortJSON(c, http.StatusBadRequest, "markdown is required")
		return
	}

	res, err := h.svc.RenderMarkdown(c.Request.Context(), body.Markdown, body.Options,
		decision(c).Plan.ForcesWatermark)
	if err != nil {
		h.respondError(c, err)
		return
	}
	servePDF(c, res.PDF, "document.pdf")
}

func (h *Handler) merge(c *gin.Context) {
	form, err := multipartForm(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	files := form.File["files"]
	if len(files) < pdfapi.MinMergeFiles || len(files) > pdfapi.MaxMergeFiles {
		abortJSON(c, http.StatusBadRequest,
			fmt.Sprintf("merge requires between %d and %d files, got %d",
				pdfapi.MinMergeFiles, pdfapi.MaxMergeFiles, len(files)))
		return
	}

	inputs := make([][]byte, 0, len(files))
	for _, fh := range files {
		data, err := readUpload(fh)
		if err != nil {
			h.respondError(c, err)
			return
		}
		inputs = append(inputs, data)
	}

	out, err := pdfapi.Merge(inputs, decision(c).Plan.ForcesWatermark)
	if err != nil {
		h.respondError(c, err)
		return
	}
	servePDF(c, out, "merged.pdf")
}

func (h *Handler) split(c *gin.Context) {
	data, err := singleUpload(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	pages := c.PostForm("pages")
	if pages == "" {
		abortJSON(c, http.StatusBadRequest, "pages is required, e.g. \"1-3,5\"")
		return
	}

	out, err := pdfapi.Split(data, pages, decision(c).Plan.ForcesWatermark)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="pages.zip"`)
	c.Data(http.StatusOK, "application/zip", out)
}

func (h *Handler) compress(c *gin.Context) {
	data, err := singleUpload(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	quality, err := pdfapi.ParseQuality(c.DefaultPostForm("quality", "medium"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	out, err := pdfapi.Compress(data, quality, decision(c).Plan.ForcesWatermark)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("X-Original-Size", strconv.Itoa(len(data)))
	c.Header("X-Compressed-Size", strconv.Itoa(len(out)))
	if len(data) > 0 {
		ratio := 1 - float64(len(out))/float64(len(data))
		c.Header("X-Compression-Ratio", fmt.Sprintf("%.2f", ratio))
	}
	servePDF(c, out, "compressed.pdf")
}

func (h *Handler) watermark(c *gin.Context) {
	data, err := singleUpload(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	params := pdfapi.WatermarkParams{Text: c.PostForm("text")}
	if v := c.PostForm("position"); v != "" {
		pos, err := pdfapi.ParseWatermarkPosition(v)
		if err != nil {
			h.respondError(c, err)
			return
		}
		params.Position = pos
	}
	if v := c.PostForm("opacity"); v != "" {
		params.Opacity, err = strconv.ParseFloat(v, 64)
		if err != nil {
			abortJSON(c, http.StatusBadRequest, "opacity must be a number")
			return
		}
	}
	if v := c.PostForm("font_size"); v != "" {
		params.FontSize, err = strconv.ParseFloat(v, 64)
		if err != nil {
			abortJSON(c, http.StatusBadRequest, "font_size must be a number")
			return
		}
	}

	out, err := pdfapi.Watermark(data, params, decision(c).Plan.ForcesWatermark)
	if err != nil {
		h.respondError(c, err)
		return
	}
	servePDF(c, out, "watermarked.pdf")
}

func (h *Handler) protect(c *gin.Context) {
	data, err := singleUpload(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	userPW := c.PostForm("user_password")
	if userPW == "" {
		abortJSON(c, http.StatusBadRequest, "user_password is required")
		return
	}
	ownerPW := c.DefaultPostForm("owner_password", userPW)

	out, err := pdfapi.Protect(data, userPW, ownerPW, decision(c).Plan.ForcesWatermark)
	if err != nil {
		h.respondError(c, err)
		return
	}
	servePDF(c, out, "protected.pdf")
}

// usage reports counters without consuming capacity, so it bypasses
// the admission middleware.
func (h *Handler) usage(c *gin.Context) {
	stats, err := h.svc.Usage(c.Request.Context(), c.GetHeader("X-API-Key"), c.ClientIP())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) health(c *gin.Context) {
	stats := h.svc.PoolStats()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"workers": stats.Workers,
		"idle":    stats.Idle,
		"backlog": stats.Backlog,
	})
}

// respondError maps service errors to HTTP status codes. Saturation
// and timeouts are distinct so clients can tell "retry now against
// another instance" (503) from "the render itself was too slow" (504).
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pdfapi.ErrInvalidAPIKey):
		abortJSON(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, pdfapi.ErrQuotaExceeded), errors.Is(err, pdfapi.ErrRateLimited):
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		abortJSON(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, pdfapi.ErrPayloadTooLarge):
		abortJSON(c, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, pdfapi.ErrPoolSaturated), errors.Is(err, pdfapi.ErrPoolClosed):
		c.Header("Retry-After", "1")
		abortJSON(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pdfapi.ErrAcquireTimeout), errors.Is(err, pdfapi.ErrRenderTimeout):
		abortJSON(c, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, pdfapi.ErrEngineFault), errors.Is(err, pdfapi.ErrBrowserConnect):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "retryable": true})
		c.Abort()
	case errors.Is(err, pdfapi.ErrEmptyContent),
		errors.Is(err, pdfapi.ErrAmbiguousContent),
		errors.Is(err, pdfapi.ErrInvalidURL),
		errors.Is(err, pdfapi.ErrInvalidPageFormat),
		errors.Is(err, pdfapi.ErrInvalidMargin),
		errors.Is(err, pdfapi.ErrInvalidScale),
		errors.Is(err, pdfapi.ErrNotPDF),
		errors.Is(err, pdfapi.ErrInvalidPageRange),
		errors.Is(err, pdfapi.ErrInvalidQuality),
		errors.Is(err, pdfapi.ErrInvalidWatermarkPosition),
		errors.Is(err, pdfapi.ErrInvalidOpacity),
		errors.Is(err, pdfapi.ErrPageLoad),
		errors.Is(err, pdfapi.ErrMarkdownConversion),
		errors.Is(err, pdfapi.ErrTransform),
		errors.Is(err, errBadMultipart):
		abortJSON(c, http.StatusBadRequest, err.Error())
	default:
		abortJSON(c, http.StatusInternalServerError, err.Error())
	}
}

func abortJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func servePDF(c *gin.Context, data []byte, filename string) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", data)
}

// errBadMultipart marks requests whose body could not be parsed as a
// multipart form.
var errBadMultipart = errors.New("invalid multipart body")

// multipartForm parses the request form with the upload cap applied.
func multipartForm(c *gin.Context) (*multipart.Form, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	form, err := c.MultipartForm()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w: %v", pdfapi.ErrPayloadTooLarge, err)
		}
		return nil, fmt.Errorf("%w: %v", errBadMultipart, err)
	}
	return form, nil
}

// singleUpload reads the "file" field and verifies it is a PDF.
func singleUpload(c *gin.Context) ([]byte, error) {
	form, err := multipartForm(c)
	if err != nil {
		return nil, err
	}
	files := form.File["file"]
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: file field is required", pdfapi.ErrEmptyContent)
	}
	return readUpload(files[0])
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("opening upload %q: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading upload %q: %w", fh.Filename, err)
	}
	if !pdfapi.IsPDF(data) {
		return nil, fmt.Errorf("%w: %q", pdfapi.ErrNotPDF, fh.Filename)
	}
	return data, nil
}
