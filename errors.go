package pdfapi

import "errors"

// Sentinel errors for render and admission operations.
var (
	// Admission-time rejections.
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrQuotaExceeded = errors.New("monthly quota exceeded")
	ErrRateLimited   = errors.New("rate limit exceeded")

	// Pool and dispatch failures.
	ErrPoolSaturated  = errors.New("render pool saturated")
	ErrPoolClosed     = errors.New("render pool closed")
	ErrAcquireTimeout = errors.New("timed out waiting for a render worker")
	ErrRenderTimeout  = errors.New("render deadline exceeded")
	ErrEngineFault    = errors.New("rendering engine fault")

	// Browser driver errors.
	ErrBrowserConnect = errors.New("failed to connect to browser")
	ErrPageCreate     = errors.New("failed to create browser page")
	ErrPageLoad       = errors.New("failed to load page")
	ErrPDFGeneration  = errors.New("PDF generation failed")

	// Input validation errors.
	ErrEmptyContent       = errors.New("content cannot be empty")
	ErrAmbiguousContent   = errors.New("request must carry exactly one of html or url")
	ErrPayloadTooLarge    = errors.New("payload exceeds size limit")
	ErrInvalidURL         = errors.New("invalid URL")
	ErrInvalidPageFormat  = errors.New("invalid page format")
	ErrInvalidMargin      = errors.New("invalid margin")
	ErrInvalidScale       = errors.New("invalid scale")
	ErrMarkdownConversion = errors.New("markdown conversion failed")

	// Transform errors.
	ErrNotPDF                   = errors.New("file is not a valid PDF")
	ErrInvalidPageRange         = errors.New("invalid page range")
	ErrInvalidQuality           = errors.New("invalid compression quality")
	ErrInvalidWatermarkPosition = errors.New("invalid watermark position")
	ErrInvalidOpacity           = errors.New("invalid watermark opacity")
	ErrTransform                = errors.New("PDF transform failed")
)
