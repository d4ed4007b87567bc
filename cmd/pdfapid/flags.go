package main

import (
	"os"

	flag "github.com/spf13/pflag"
)

// serveFlags holds flags for the default serve mode.
type serveFlags struct {
	config  string
	addr    string
	workers int
	db      string
	verbose bool
	version bool
}

// genkeyFlags holds flags for the genkey subcommand.
type genkeyFlags struct {
	config string
	db     string
	plan   string
	email  string
}

// parseServeFlags parses server flags from args (excluding the program name).
func parseServeFlags(args []string) (*serveFlags, error) {
	fs := flag.NewFlagSet("pdfapid", flag.ContinueOnError)
	f := &serveFlags{}

	fs.StringVarP(&f.config, "config", "c", "", "config file path")
	fs.StringVarP(&f.addr, "addr", "a", "", "listen address (overrides config)")
	fs.IntVarP(&f.workers, "workers", "w", 0, "warm worker target (0 = auto)")
	fs.StringVar(&f.db, "db", "", "key database path (overrides config)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "verbose logging")
	fs.BoolVar(&f.version, "version", false, "print version and exit")

	fs.Usage = func() { printUsage(os.Stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// parseGenkeyFlags parses genkey subcommand flags.
func parseGenkeyFlags(args []string) (*genkeyFlags, error) {
	fs := flag.NewFlagSet("genkey", flag.ContinueOnError)
	f := &genkeyFlags{}

	fs.StringVarP(&f.config, "config", "c", "", "config file path")
	fs.StringVar(&f.db, "db", "", "key database path (overrides config)")
	fs.StringVarP(&f.plan, "plan", "p", "free", "plan tier: free, starter, pro, business")
	fs.StringVarP(&f.email, "email", "e", "", "contact email stored with the key")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}
