// Package pdfapi turns HTML, URLs, and Markdown into PDF bytes through a
// pool of warm headless-Chrome workers, and applies auxiliary PDF
// transformations (merge, split, compress, watermark, protect).
//
// The package is built around four collaborating pieces:
//
//   - Ledger: per-key monthly quota and sliding-window rate counters.
//   - Admission: accepts or rejects a request before any rendering
//     resource is touched, resolving the caller's plan tier.
//   - Pool: a bounded set of reusable browser workers with a bounded
//     FIFO backlog, crash recovery, and idle reclamation.
//   - Dispatcher: orchestrates a single render with guaranteed worker
//     release on every exit path.
//
// Service ties them together:
//
//	store, _ := keystore.Open("pdf_api.db")
//	svc, _ := pdfapi.New(store)
//	defer svc.Close()
//
//	dec, err := svc.Admit(ctx, apiKey, clientIP)
//	if err != nil { ... }
//	res, err := svc.Render(ctx, &pdfapi.RenderRequest{
//		HTML:      "<h1>Hello</h1>",
//		Watermark: dec.Plan.ForcesWatermark,
//	})
//
// The HTTP layer lives in internal/httpapi and the server binary in
// cmd/pdfapid.
package pdfapi
