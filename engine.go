package pdfapi

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/alnah/go-pdfapi/internal/fileutil"
)

// EngineDriver launches rendering engine instances. Launching is
// expensive (order of seconds), which is why instances are pooled
// rather than created per request.
type EngineDriver interface {
	Launch(ctx context.Context) (EngineInstance, error)
}

// EngineInstance is one warm rendering context: a headless browser able
// to turn HTML or URL input into PDF bytes.
type EngineInstance interface {
	Render(ctx context.Context, req *RenderRequest) ([]byte, error)
	// Healthy reports whether the instance is still usable. A false
	// return means the browser crashed or its connection is gone.
	Healthy() bool
	// PID returns the browser process id, or 0 if unknown.
	PID() int
	Close() error
}

// Compile-time interface checks
var (
	_ EngineDriver   = (*RodDriver)(nil)
	_ EngineInstance = (*rodInstance)(nil)
)

// defaultRenderTimeout bounds a single page render.
const defaultRenderTimeout = 30 * time.Second

// RodDriver launches headless Chromium via go-rod. Rod automatically
// downloads Chromium on first run if not found.
type RodDriver struct{}

// Launch starts a browser process and connects to it.
func (d *RodDriver) Launch(ctx context.Context) (EngineInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := launcher.New().
		Headless(true).
		Set("disable-dev-shm-usage").
		Set("disable-gpu")

	// Use pre-installed browser if specified (Docker/containerized environments)
	if bin := os.Getenv("ROD_BROWSER_BIN"); bin != "" {
		l = l.Bin(bin)
	}

	// NoSandbox required for CI and containerized environments
	if os.Getenv("CI") == "true" || os.Getenv("ROD_BROWSER_BIN") != "" {
		l = l.NoSandbox(true)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}

	// The browser outlives the launch call, so its lifetime context
	// must not be the caller's. Render deadlines are bound per page.
	bctx, bcancel := context.WithCancel(context.Background())
	browser := rod.New().ControlURL(u).Context(bctx)
	if err := browser.Connect(); err != nil {
		bcancel()
		l.Kill()
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}
	if err := ctx.Err(); err != nil {
		_ = browser.Close()
		bcancel()
		l.Kill()
		return nil, err
	}

	return &rodInstance{browser: browser, cancel: bcancel, launcher: l, pid: l.PID()}, nil
}

// rodInstance wraps one connected browser.
type rodInstance struct {
	browser  *rod.Browser
	cancel   context.CancelFunc
	launcher *launcher.Launcher
	pid      int
	broken   atomic.Bool
}

// Render opens a page for the request's content and prints it to PDF.
// HTML content goes through a temp file so relative asset resolution
// matches a normal file load.
func (i *rodInstance) Render(ctx context.Context, req *RenderRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := req.URL
	if target == "" {
		tmpPath, cleanup, err := fileutil.WriteTempFile(req.HTML, "html")
		if err != nil {
			return nil, err
		}
		defer cleanup()
		target = "file://" + tmpPath
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRenderTimeout)
		defer cancel()
	}

	// Every CDP call runs under the render deadline so a wedged
	// browser cannot block past the caller's budget.
	page, err := i.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: target})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		i.broken.Store(true)
		return nil, fmt.Errorf("%w: %v", ErrPageCreate, err)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrPageLoad, err)
	}

	reader, err := page.PDF(buildPDFOptions(req.Options))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		i.broken.Store(true)
		return nil, fmt.Errorf("%w: %v", ErrPDFGeneration, err)
	}

	pdfBuf, err := io.ReadAll(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		i.broken.Store(true)
		return nil, fmt.Errorf("%w: reading PDF stream: %v", ErrPDFGeneration, err)
	}

	return pdfBuf, nil
}

// Healthy reports whether the browser connection is still usable.
func (i *rodInstance) Healthy() bool {
	return !i.broken.Load()
}

// PID returns the browser process id.
func (i *rodInstance) PID() int {
	return i.pid
}

// Close shuts the browser down. The launcher kill is the fallback for
// a browser that no longer answers the close command.
func (i *rodInstance) Close() error {
	err := i.browser.Close()
	i.cancel()
	i.launcher.Kill()
	return err
}

// buildPDFOptions maps RenderOptions onto Chrome's printToPDF call.
func buildPDFOptions(opts *RenderOptions) *proto.PagePrintToPDF {
	opts = opts.withDefaults()

	size := paperSizes[strings.ToLower(opts.Format)]
	width, height := size[0], size[1]

	top, _ := parseLength(opts.Margin.Top)
	right, _ := parseLength(opts.Margin.Right)
	bottom, _ := parseLength(opts.Margin.Bottom)
	left, _ := parseLength(opts.Margin.Left)

	pdfOpts := &proto.PagePrintToPDF{
		PaperWidth:      floatPtr(width),
		PaperHeight:     floatPtr(height),
		MarginTop:       floatPtr(top),
		MarginRight:     floatPtr(right),
		MarginBottom:    floatPtr(bottom),
		MarginLeft:      floatPtr(left),
		Landscape:       opts.Landscape,
		PrintBackground: opts.PrintBackground,
		Scale:           floatPtr(opts.Scale),
	}

	if opts.HeaderHTML != "" || opts.FooterHTML != "" {
		pdfOpts.DisplayHeaderFooter = true
		pdfOpts.HeaderTemplate = opts.HeaderHTML
		pdfOpts.FooterTemplate = opts.FooterHTML
		if pdfOpts.HeaderTemplate == "" {
			pdfOpts.HeaderTemplate = "<span></span>"
		}
		if pdfOpts.FooterTemplate == "" {
			pdfOpts.FooterTemplate = "<span></span>"
		}
	}

	return pdfOpts
}

// floatPtr returns a pointer to a float64 value.
func floatPtr(v float64) *float64 {
	return &v
}
