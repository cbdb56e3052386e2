package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/vidlens/internal/config"
	"github.com/yourorg/vidlens/internal/mcpserver"
	"github.com/yourorg/vidlens/internal/metrics"
	"github.com/yourorg/vidlens/internal/server"
	"github.com/yourorg/vidlens/internal/service"
	"github.com/yourorg/vidlens/internal/store"
)

var version = "dev"

const defaultConfigContent = `llm:
  provider: "gemini"
  api_key: ""
  base_url: ""
  model: "gemini-2.5-flash"
  max_output_tokens: 8192
  temperature: 0.2
  request_timeout: 5m

session:
  max_concurrent_sessions: 32
  idle_ttl: 1h
  max_turns: 24
  max_history_tokens: 0

retry:
  max_attempts: 3
  base_delay: 1s
  max_delay: 30s

store:
  path: %q

cache:
  registry_path: %q
  upstream_ttl: 1h
  result_cache_size: 256
  result_cache_ttl: 30m
  prewarm_workers: 2

batch:
  max_concurrency: 3
  ignore_paths:
    - .git/
    - node_modules/

sanitize:
  query_params:
    - key
    - api_key
    - access_token
    - token
    - signature
  replacement: "***REDACTED***"

output:
  dir: "./output"
  formats:
    - markdown
    - yaml

server:
  host: "127.0.0.1"
  port: 3000
  cors_origin: ""

log:
  level: "info"
`

type rootOptions struct {
	cfgPath string
	debug   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "vidlens",
		Short:         "Media analysis sessions backed by Gemini context caches",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug output")

	root.AddCommand(newInitCmd())
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newMCPCmd(opts))
	root.AddCommand(newAnalyzeCmd(opts))
	root.AddCommand(newBatchCmd(opts))
	root.AddCommand(newSessionsCmd(opts))
	root.AddCommand(newCacheCmd(opts))

	return root
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ~/.vidlens directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			baseDir := filepath.Join(home, ".vidlens")
			if err := os.MkdirAll(baseDir, 0o755); err != nil {
				return err
			}

			dbPath := filepath.Join(baseDir, "sessions.db")
			cfgFile := filepath.Join(baseDir, "config.yaml")
			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				content := fmt.Sprintf(defaultConfigContent, dbPath, filepath.Join(baseDir, "cache_registry.json"))
				if err := os.WriteFile(cfgFile, []byte(content), 0o600); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			s, err := store.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready", dbPath)
			fmt.Fprintln(cmd.OutOrStdout(), "please update llm.api_key in", cfgFile, "or set VIDLENS_LLM_API_KEY")
			return nil
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{Use: "serve", Short: "Start HTTP service", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(opts)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}
		ctx, stop := signalContext()
		defer stop()

		m := metrics.New()
		svc, err := service.Open(ctx, cfg, logger, m)
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		srv, err := server.New(cfg, svc, m, logger)
		if err != nil {
			return err
		}
		go evictLoop(ctx, svc, cfg.Session.IdleTTL, logger)
		return srv.ListenAndServe(ctx, net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
	}}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 3000, "server port")
	return cmd
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{Use: "mcp", Short: "Serve MCP tools on stdio", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(opts)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		svc, err := service.Open(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		srv, err := mcpserver.New(svc, version, logger)
		if err != nil {
			return err
		}
		go evictLoop(ctx, svc, cfg.Session.IdleTTL, logger)
		err = srv.Serve(ctx, os.Stdin, os.Stdout)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}}
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var prompt string
	cmd := &cobra.Command{Use: "analyze <source>", Short: "Analyze one video, audio or image source", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(opts)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		svc, err := service.Open(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		a, err := svc.Analyze(ctx, args[0], prompt)
		if err != nil {
			return describe(svc, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), a.Text)
		return nil
	}}
	cmd.Flags().StringVar(&prompt, "prompt", "", "question to ask about the media")
	return cmd
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	var prompt string
	var noReport bool
	cmd := &cobra.Command{Use: "batch <input>...", Short: "Analyze many sources with bounded concurrency", Args: cobra.MinimumNArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(opts)
		if err != nil {
			return err
		}
		if !noReport {
			if err := cfg.ValidateOutput(); err != nil {
				return err
			}
		}
		ctx, stop := signalContext()
		defer stop()

		svc, err := service.Open(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		res, err := svc.Batch(ctx, service.BatchRequest{Inputs: args, Prompt: prompt, WriteReport: !noReport})
		if err != nil {
			return describe(svc, err)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tSTATUS\tSOURCE\tERROR")
		for _, it := range res.Items {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", it.Index, it.Status, svc.Redact(res.Sources[it.Index]), it.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s: %d succeeded, %d failed\n", res.JobID, res.Succeeded, res.Failed)
		for _, p := range res.Reports {
			fmt.Fprintln(cmd.OutOrStdout(), "report", p)
		}
		if res.Outcome != nil {
			return fmt.Errorf("%s: %s", res.Outcome.Category, res.Outcome.Hint)
		}
		return nil
	}}
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt applied to every item")
	cmd.Flags().BoolVar(&noReport, "no-report", false, "skip writing reports")
	return cmd
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect durable sessions"}

	cmd.AddCommand(&cobra.Command{Use: "list", Short: "List all sessions", RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(opts)
		if err != nil {
			return err
		}
		defer st.Close()
		list, err := st.ListSessions()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTURNS\tCACHE\tLAST ACTIVE\tSOURCE")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", s.ID, s.TurnCount, s.CacheStatus, s.LastActiveAt.Local().Format(time.DateTime), s.SourceRef)
		}
		return w.Flush()
	}})

	cmd.AddCommand(&cobra.Command{Use: "delete <id>", Short: "Delete session", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(opts)
		if err != nil {
			return err
		}
		defer st.Close()
		sess, err := st.LoadSession(args[0])
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session %s not found", args[0])
		}
		if err := st.DeleteSession(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
		return nil
	}})
	return cmd
}

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Inspect the context cache registry"}

	var validate bool
	list := &cobra.Command{Use: "list", Short: "List registered context caches", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(opts)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		svc, err := service.Open(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CONTENT\tMODEL\tHANDLE\tVALIDITY")
		for _, e := range svc.CacheEntries(ctx, validate) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", svc.Redact(e.ContentID), e.Model, e.Handle, e.Validity)
		}
		return w.Flush()
	}}
	list.Flags().BoolVar(&validate, "validate", false, "check each handle with the provider")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{Use: "clear", Short: "Forget all registered context caches", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(opts)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		svc, err := service.Open(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer closeService(svc, logger)
		svc.ClearCache()
		fmt.Fprintln(cmd.OutOrStdout(), "cleared", cfg.Cache.RegistryPath)
		return nil
	}})
	return cmd
}

func load(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if opts.debug {
		level = "debug"
	}
	return cfg, newLogger(level), nil
}

// newLogger writes to stderr so stdout stays free for command output and
// the MCP stdio channel.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openStore(opts *rootOptions) (*store.SQLiteStore, error) {
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		return nil, errors.New("store.path is not configured; sessions are kept in memory only")
	}
	return store.NewSQLiteStore(cfg.Store.Path)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeService(svc *service.Service, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
}

// evictLoop drops idle sessions from memory. Durable copies are kept.
func evictLoop(ctx context.Context, svc *service.Service, ttl time.Duration, logger *slog.Logger) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.EvictIdle(); n > 0 {
				logger.Debug("evicted idle sessions", "count", n)
			}
		}
	}
}

func describe(svc *service.Service, err error) error {
	o := svc.Outcome(err)
	return fmt.Errorf("%s: %s (%s)", o.Category, o.Detail, o.Hint)
}
