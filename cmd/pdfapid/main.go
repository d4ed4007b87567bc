package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/automaxprocs/maxprocs"

	pdfapi "github.com/alnah/go-pdfapi"
	"github.com/alnah/go-pdfapi/internal/config"
	"github.com/alnah/go-pdfapi/internal/httpapi"
	"github.com/alnah/go-pdfapi/internal/keystore"
)

// Version is set at build time via ldflags.
var Version = "dev"

// shutdownGrace bounds how long in-flight renders may finish after a
// termination signal.
const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) > 1 && args[1] == "genkey" {
		return runGenkey(args[2:])
	}

	flags, err := parseServeFlags(args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if flags.version {
		fmt.Printf("pdfapid %s\n", Version)
		return 0
	}

	// Error ignored: maxprocs.Set only fails if GOMAXPROCS env is invalid,
	// in which case Go runtime defaults apply and the program continues safely.
	if flags.verbose {
		_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		}))
	} else {
		_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))
	}

	if err := serve(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func serve(flags *serveFlags) error {
	cfg, err := loadConfig(flags.config, flags.db)
	if err != nil {
		return err
	}
	if flags.addr != "" {
		cfg.Server.Addr = flags.addr
	}
	if flags.workers > 0 {
		cfg.Pool.Workers = flags.workers
	}
	if cfg.Render.BrowserBin != "" {
		// The engine driver discovers the binary through the environment.
		if err := os.Setenv(config.EnvBrowserBin, cfg.Render.BrowserBin); err != nil {
			return fmt.Errorf("setting browser binary: %w", err)
		}
	}

	store, err := keystore.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := pdfapi.New(store,
		pdfapi.WithPoolConfig(pdfapi.PoolConfig{
			Target:     cfg.Pool.Workers,
			Max:        cfg.Pool.MaxWorkers,
			BacklogCap: cfg.Pool.BacklogCap,
			MinIdle:    cfg.Pool.MinIdle,

			RecycleAfterUses: cfg.Pool.Recycle,
			MaxWorkerAge:     cfg.Pool.MaxAge,
		}),
		pdfapi.WithMaxPayload(cfg.Server.MaxPayload),
		pdfapi.WithRenderTimeout(cfg.Render.Timeout),
		pdfapi.WithSnapshotStore(store, cfg.Store.SnapshotInterval),
	)
	defer svc.Close()

	if !flags.verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewRouter(svc),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := notifyContext(context.Background())
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if flags.verbose {
			fmt.Fprintf(os.Stderr, "pdfapid %s listening on %s\n", Version, cfg.Server.Addr)
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if flags.verbose {
		fmt.Fprintln(os.Stderr, "shutting down...")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runGenkey(args []string) int {
	flags, err := parseGenkeyFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := loadConfig(flags.config, flags.db)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	store, err := keystore.Open(cfg.Store.Path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	rawKey, err := store.Generate(flags.plan, flags.email)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// The raw key is shown exactly once; only its digest is stored.
	fmt.Println(rawKey)
	return 0
}

// loadConfig loads the config file, then applies the db flag override.
func loadConfig(path, db string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if db != "" {
		cfg.Store.Path = db
	}
	return cfg, nil
}
