package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage message.
func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: pdfapid [flags]")
	fmt.Fprintln(w, "       pdfapid genkey [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run the PDF rendering API server.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Server flags:")
	fmt.Fprintln(w, "  -c, --config <path>    Config file path")
	fmt.Fprintln(w, "  -a, --addr <addr>      Listen address (overrides config)")
	fmt.Fprintln(w, "  -w, --workers <n>      Warm worker target (0 = auto)")
	fmt.Fprintln(w, "      --db <path>        Key database path (overrides config)")
	fmt.Fprintln(w, "  -v, --verbose          Verbose logging")
	fmt.Fprintln(w, "      --version          Print version and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Genkey flags:")
	fmt.Fprintln(w, "  -p, --plan <name>      Plan tier: free, starter, pro, business")
	fmt.Fprintln(w, "  -e, --email <addr>     Contact email stored with the key")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  PDFAPI_ADDR            Listen address override")
	fmt.Fprintln(w, "  PDFAPI_DB              Key database path override")
	fmt.Fprintln(w, "  ROD_BROWSER_BIN        Browser binary path")
}
