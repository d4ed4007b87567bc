package pdfapi

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Quality grades for compression.
type Quality string

// Compression quality values. Low trades fidelity for the smallest
// output; high keeps quality and compresses the least.
const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ParseQuality validates a quality string, defaulting empty to medium.
func ParseQuality(s string) (Quality, error) {
	switch Quality(strings.ToLower(s)) {
	case "":
		return QualityMedium, nil
	case QualityLow:
		return QualityLow, nil
	case QualityMedium:
		return QualityMedium, nil
	case QualityHigh:
		return QualityHigh, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidQuality, s)
	}
}

// WatermarkPosition places watermark text on the page.
type WatermarkPosition string

// Watermark positions.
const (
	PositionCenter      WatermarkPosition = "center"
	PositionTopLeft     WatermarkPosition = "top-left"
	PositionTopRight    WatermarkPosition = "top-right"
	PositionBottomLeft  WatermarkPosition = "bottom-left"
	PositionBottomRight WatermarkPosition = "bottom-right"
	PositionDiagonal    WatermarkPosition = "diagonal"
)

// anchors maps positions to pdfcpu anchor names. Diagonal anchors at
// the center and gets its rotation from watermarkDesc.
var anchors = map[WatermarkPosition]string{
	PositionCenter:      "c",
	PositionTopLeft:     "tl",
	PositionTopRight:    "tr",
	PositionBottomLeft:  "bl",
	PositionBottomRight: "br",
	PositionDiagonal:    "c",
}

// ParseWatermarkPosition validates a position string, defaulting empty
// to diagonal.
func ParseWatermarkPosition(s string) (WatermarkPosition, error) {
	p := WatermarkPosition(strings.ToLower(s))
	if p == "" {
		return PositionDiagonal, nil
	}
	if _, ok := anchors[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidWatermarkPosition, s)
	}
	return p, nil
}

// WatermarkParams configures a text watermark.
type WatermarkParams struct {
	Text     string
	Opacity  float64
	Position WatermarkPosition
	FontSize float64
}

// Validate checks watermark parameters, filling defaults.
func (p *WatermarkParams) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: watermark text cannot be empty", ErrEmptyContent)
	}
	if p.Opacity == 0 {
		p.Opacity = 0.3
	}
	if p.Opacity < 0 || p.Opacity > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidOpacity, p.Opacity)
	}
	if p.Position == "" {
		p.Position = PositionDiagonal
	}
	if _, ok := anchors[p.Position]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidWatermarkPosition, p.Position)
	}
	if p.FontSize == 0 {
		p.FontSize = 48
	}
	if p.FontSize < 8 || p.FontSize > 200 {
		return fmt.Errorf("%w: font size %g out of range", ErrInvalidPageRange, p.FontSize)
	}
	return nil
}

// freeTierStampText is composited onto every page of free-tier output.
const freeTierStampText = "Generated with go-pdfapi - Free Tier"

// Merge limits.
const (
	MinMergeFiles = 2
	MaxMergeFiles = 50
)

// IsPDF reports whether data starts with the PDF magic bytes.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// transformConf returns the pdfcpu configuration shared by all
// transforms. Relaxed validation accepts the slightly off-spec files
// real users upload.
func transformConf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Merge concatenates 2 to 50 PDFs in order.
func Merge(inputs [][]byte, stampFree bool) ([]byte, error) {
	if len(inputs) < MinMergeFiles {
		return nil, fmt.Errorf("%w: at least %d PDF files required", ErrTransform, MinMergeFiles)
	}
	if len(inputs) > MaxMergeFiles {
		return nil, fmt.Errorf("%w: maximum %d files allowed", ErrTransform, MaxMergeFiles)
	}
	readers := make([]io.ReadSeeker, len(inputs))
	for i, in := range inputs {
		if !IsPDF(in) {
			return nil, fmt.Errorf("%w: input %d", ErrNotPDF, i+1)
		}
		readers[i] = bytes.NewReader(in)
	}

	var buf bytes.Buffer
	if err := api.MergeRaw(readers, &buf, false, transformConf()); err != nil {
		return nil, fmt.Errorf("%w: merge: %v", ErrTransform, err)
	}
	return maybeStamp(buf.Bytes(), stampFree)
}

// Split extracts the given page ranges ("1-3,5,7-10") into one PDF per
// range and returns them as a zip archive.
func Split(input []byte, ranges string, stampFree bool) ([]byte, error) {
	if !IsPDF(input) {
		return nil, ErrNotPDF
	}
	total, err := api.PageCount(bytes.NewReader(input), transformConf())
	if err != nil {
		return nil, fmt.Errorf("%w: page count: %v", ErrTransform, err)
	}
	groups, err := parsePageRanges(ranges, total)
	if err != nil {
		return nil, err
	}

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	for _, g := range groups {
		sel := strconv.Itoa(g[0])
		name := fmt.Sprintf("page_%d.pdf", g[0])
		if g[1] > g[0] {
			sel = fmt.Sprintf("%d-%d", g[0], g[1])
			name = fmt.Sprintf("pages_%d-%d.pdf", g[0], g[1])
		}

		var part bytes.Buffer
		if err := api.Trim(bytes.NewReader(input), &part, []string{sel}, transformConf()); err != nil {
			return nil, fmt.Errorf("%w: extracting pages %s: %v", ErrTransform, sel, err)
		}
		out, err := maybeStamp(part.Bytes(), stampFree)
		if err != nil {
			return nil, err
		}

		f, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransform, err)
		}
		if _, err := f.Write(out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransform, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransform, err)
	}
	return zipBuf.Bytes(), nil
}

// Compress rewrites the PDF through pdfcpu's optimizer. Lower quality
// grades enable more aggressive resource deduplication.
func Compress(input []byte, quality Quality, stampFree bool) ([]byte, error) {
	if !IsPDF(input) {
		return nil, ErrNotPDF
	}
	conf := transformConf()
	switch quality {
	case QualityLow:
		conf.OptimizeResourceDicts = true
		conf.OptimizeDuplicateContentStreams = true
	case QualityMedium:
		conf.OptimizeDuplicateContentStreams = true
	}

	var buf bytes.Buffer
	if err := api.Optimize(bytes.NewReader(input), &buf, conf); err != nil {
		return nil, fmt.Errorf("%w: optimize: %v", ErrTransform, err)
	}
	return maybeStamp(buf.Bytes(), stampFree)
}

// Watermark stamps text onto every page.
func Watermark(input []byte, params WatermarkParams, stampFree bool) ([]byte, error) {
	if !IsPDF(input) {
		return nil, ErrNotPDF
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	wm, err := api.TextWatermark(params.Text, watermarkDesc(params), true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransform, err)
	}
	var buf bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(input), &buf, nil, wm, transformConf()); err != nil {
		return nil, fmt.Errorf("%w: watermark: %v", ErrTransform, err)
	}
	return maybeStamp(buf.Bytes(), stampFree)
}

// Protect encrypts the PDF with AES-256. An empty ownerPW falls back
// to userPW.
func Protect(input []byte, userPW, ownerPW string, stampFree bool) ([]byte, error) {
	if !IsPDF(input) {
		return nil, ErrNotPDF
	}
	if userPW == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrEmptyContent)
	}
	// Stamp before encrypting; the stamp cannot be applied afterwards.
	input, err := maybeStamp(input, stampFree)
	if err != nil {
		return nil, err
	}
	if ownerPW == "" {
		ownerPW = userPW
	}

	conf := transformConf()
	conf.UserPW = userPW
	conf.OwnerPW = ownerPW
	conf.EncryptUsingAES = true
	conf.EncryptKeyLength = 256

	var buf bytes.Buffer
	if err := api.Encrypt(bytes.NewReader(input), &buf, conf); err != nil {
		return nil, fmt.Errorf("%w: encrypt: %v", ErrTransform, err)
	}
	return buf.Bytes(), nil
}

// watermarkDesc builds the pdfcpu watermark description string.
func watermarkDesc(p WatermarkParams) string {
	rot := 0
	if p.Position == PositionDiagonal {
		rot = 45
	}
	return fmt.Sprintf(
		"fontname:Helvetica, points:%g, scale:1 abs, pos:%s, rot:%d, op:%.2f, fillcolor:#808080",
		p.FontSize, anchors[p.Position], rot, p.Opacity,
	)
}

// freeTierStamp composites the free-tier notice onto every page.
func freeTierStamp(pdf []byte) ([]byte, error) {
	wm, err := api.TextWatermark(
		freeTierStampText,
		"fontname:Helvetica, points:10, scale:1 abs, pos:bl, off:10 10, rot:0, op:.5, fillcolor:#b3b3b3",
		true, false, types.POINTS,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransform, err)
	}
	var buf bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(pdf), &buf, nil, wm, transformConf()); err != nil {
		return nil, fmt.Errorf("%w: free-tier stamp: %v", ErrTransform, err)
	}
	return buf.Bytes(), nil
}

// maybeStamp applies the free-tier stamp when required.
func maybeStamp(pdf []byte, stampFree bool) ([]byte, error) {
	if !stampFree {
		return pdf, nil
	}
	return freeTierStamp(pdf)
}

// pageCount returns the page count, or 0 when the bytes cannot be
// parsed. Best-effort: result metadata only.
func pageCount(pdf []byte) int {
	n, err := api.PageCount(bytes.NewReader(pdf), transformConf())
	if err != nil {
		return 0
	}
	return n
}

// parsePageRanges parses "1-3,5,7-10" into inclusive 1-based [start,
// end] groups, clamped to total pages. Order is preserved.
func parsePageRanges(s string, total int) ([][2]int, error) {
	parts := strings.Split(strings.ReplaceAll(s, " ", ""), ",")
	var groups [][2]int
	for _, part := range parts {
		if part == "" {
			continue
		}
		start, end := 0, 0
		if dash := strings.Index(part, "-"); dash >= 0 {
			a, err1 := strconv.Atoi(part[:dash])
			b, err2 := strconv.Atoi(part[dash+1:])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPageRange, part)
			}
			start, end = a, b
		} else {
			p, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPageRange, part)
			}
			start, end = p, p
		}
		if start < 1 {
			start = 1
		}
		if end > total {
			end = total
		}
		if start > end || start > total {
			continue
		}
		groups = append(groups, [2]int{start, end})
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: %q selects no pages", ErrInvalidPageRange, s)
	}
	return groups, nil
}
