package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chriskillpack/whiskers"
	"github.com/chriskillpack/whiskers/action"
	"github.com/chriskillpack/whiskers/internal/tcpsink"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"

	configPath string
	v          = newViper()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "whiskers",
	Short:        "Ask questions about a library of cat pictures",
	Version:      version,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (YAML)")
	pf.String("ollama-host", "", "Generation endpoint host, e.g. ollama.example.com")
	pf.String("auth", "", "Credential for the generation endpoint, user:password or token")
	pf.String("auth-mode", "url", "How to send the credential: url or header")
	pf.String("ollama-server", "", "Ollama server for captions and embeddings, typically http://localhost:11434")
	pf.String("llama-server", "", "Address of running llama server for captions, typically http://localhost:8080")
	pf.Bool("openai", false, "Use OpenAI for embeddings")
	pf.String("db-path", defaultDBPath, "Path to the sqlite database")
	pf.String("postgres-dsn", "", "Use Postgres with pgvector instead of sqlite")
	pf.String("collection", action.DefaultCollection, "Collection to query and load")
	pf.String("stream-host", "", "Host of the sink that receives streamed output")
	pf.Int("stream-port", 0, "Port of the sink that receives streamed output")
	pf.String("log-level", defaultLogLevel, "Log level")
	pf.String("log-file", "", "Also write logs to this file, rotated")
	for _, name := range []string{
		"ollama-host", "auth", "auth-mode", "ollama-server", "llama-server", "openai",
		"db-path", "postgres-dsn", "collection", "stream-host", "stream-port", "log-level", "log-file",
	} {
		v.BindPFlag(name, pf.Lookup(name))
	}

	serveCmd.Flags().String("listen", defaultListen, "Address to serve actions on")
	v.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))

	loadCmd.Flags().Int("concurrency", defaultConcurrency, "Images captioned in parallel")
	v.BindPFlag("concurrency", loadCmd.Flags().Lookup("concurrency"))

	sinkCmd.Flags().String("addr", "127.0.0.1:9999", "Address to listen on")

	rootCmd.AddCommand(serveCmd, askCmd, loadCmd, sinkCmd)
}

// setup loads the configuration and wires the collaborators.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(v, configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the actions over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := NewServer(a.cfg.Listen, a.actions(), a.logger.Named("http"))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			a.logger.Info("listening", zap.String("addr", a.cfg.Listen))
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Answer a query from the collection, like the rag_img action",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rag := action.NewRAG(a.cfg.ragConfig(), a.vdb, a.llm, a.logger.Named("rag_img"))
		resp := rag.Handle(ctx, action.Request{Input: action.TextInput(strings.Join(args, " "))})
		fmt.Println(resp.Output)
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <dir>",
	Short: "Caption the JPEG images in a directory and load them into the collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sigch := make(chan os.Signal, 2)
		signal.Notify(sigch, os.Interrupt)
		defer signal.Stop(sigch)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go sighandler(sigch, cancel)

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		// All functionality from this point on requires the captioning
		// server. Check if it is healthy.
		if !a.w.IsHealthy(ctx) {
			return fmt.Errorf("%s server is not responding", a.w.Name())
		}

		photos, err := whiskers.FindImages(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Found %d images on disk\nUsing describer %s model %s\n", len(photos), a.w.Name(), a.w.Model())

		bar := progressbar.NewOptions(
			len(photos),
			progressbar.OptionSetDescription("Captioning"),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { fmt.Println() }),
		)
		stats, err := whiskers.LoadLibrary(ctx, a.w, a.vdb, args[0], whiskers.LoadOptions{
			Collection:  a.cfg.Collection,
			Concurrency: a.cfg.Concurrency,
			Progress: func(path string, err error) {
				if err != nil {
					a.logger.Warn("image failed", zap.String("file", filepath.Base(path)), zap.Error(err))
				}
				bar.Add(1)
			},
		})
		bar.Finish()
		if stats != nil {
			fmt.Printf("Loaded %d images into %s, %d failed\n", stats.Loaded, a.cfg.Collection, stats.Failed)
		}
		return err
	},
}

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Listen for streamed output and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig(v, configPath)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return err
		}

		addr, _ := cmd.Flags().GetString("addr")
		srv := tcpsink.NewServer(addr, logger.Named("sink"))
		if err := srv.Start(); err != nil {
			return err
		}
		logger.Info("sink listening", zap.String("addr", srv.Addr()))

		go func() {
			<-ctx.Done()
			srv.Stop()
		}()

		last := int64(0)
		for m := range srv.Messages() {
			if m.Conn != last && last != 0 {
				fmt.Println()
			}
			last = m.Conn
			fmt.Print(m.Output)
		}
		fmt.Println()
		return nil
	},
}

func sighandler(ch chan os.Signal, cancel context.CancelFunc) {
	<-ch
	fmt.Println("SIGINT received, stopping...")
	cancel()
}
