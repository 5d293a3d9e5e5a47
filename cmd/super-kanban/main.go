// Command super-kanban runs the OpenClaw ↔ Super-Kanban integration:
// the transcript exporter daemon, the gateway WebSocket core, and the
// offline reconciler.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/aira-core/openclaw/internal/bindings"
	"github.com/aira-core/openclaw/internal/bus"
	"github.com/aira-core/openclaw/internal/config"
	"github.com/aira-core/openclaw/internal/exporter"
	"github.com/aira-core/openclaw/internal/gateway"
	"github.com/aira-core/openclaw/internal/otel"
	"github.com/aira-core/openclaw/internal/reconcile"
	"github.com/aira-core/openclaw/internal/redact"
	"github.com/aira-core/openclaw/internal/skclient"
	"github.com/aira-core/openclaw/internal/telemetry"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "super-kanban",
	Short:   "Export OpenClaw agent sessions into Super-Kanban and drive them back",
	Version: version,
}

func init() {
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newGatewayCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newReconcileCmd() *cobra.Command {
	var (
		fix           bool
		dryRun        bool
		stateDir      string
		agentID       string
		sessionID     string
		sessionKey    string
		maxSessions   int
		preview       int
		jsonOut       bool
		baseURL       string
		token         string
		authHeader    string
		attachPath    string
		messagesPath  string
		toolCallsPath string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay archived transcripts against Super-Kanban",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fix && dryRun {
				return fmt.Errorf("--fix and --dry-run are mutually exclusive")
			}
			mode := reconcile.ModeDryRun
			if fix {
				mode = reconcile.ModeFix
			}
			if stateDir == "" {
				stateDir = config.StateDir()
			}

			opts := reconcile.Options{
				StateDir:     stateDir,
				Mode:         mode,
				AgentID:      agentID,
				SessionID:    sessionID,
				SessionKey:   sessionKey,
				MaxSessions:  maxSessions,
				PreviewLimit: preview,
			}

			if mode == reconcile.ModeFix {
				clientOpts := skclient.FromEnv()
				if baseURL != "" {
					clientOpts.BaseURL = baseURL
				}
				if token != "" {
					clientOpts.BearerToken = token
				}
				if authHeader != "" {
					if name, value, ok := strings.Cut(authHeader, ":"); ok {
						clientOpts.LegacyHeader = &skclient.HeaderPair{
							Name:  strings.TrimSpace(name),
							Value: strings.TrimSpace(value),
						}
					}
				}
				clientOpts.AttachPath = attachPath
				clientOpts.MessagesPath = messagesPath
				clientOpts.ToolCallsPath = toolCallsPath
				client, err := skclient.New(clientOpts)
				if err != nil {
					return err
				}
				opts.Client = client
			}

			report, err := reconcile.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}

			if jsonOut {
				out, err := reconcile.RenderJSON(report)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			}
			color := isatty.IsTerminal(os.Stdout.Fd())
			fmt.Print(reconcile.RenderText(report, color))
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "post missing records to Super-Kanban")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count and preview without posting (default)")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "state directory (default: $OPENCLAW_STATE_DIR or ~/.openclaw)")
	cmd.Flags().StringVar(&agentID, "agent", "", "only this agent")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "only this session id")
	cmd.Flags().StringVar(&sessionKey, "session-key", "", "only this session key")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "stop after N matched sessions")
	cmd.Flags().IntVar(&preview, "preview", 0, "preview entries per session")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the structured report as JSON")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Super-Kanban base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&authHeader, "auth-header", "", "legacy auth header, \"Name: value\"")
	cmd.Flags().StringVar(&attachPath, "attach-path", "", "override attach endpoint path")
	cmd.Flags().StringVar(&messagesPath, "messages-path", "", "override messages endpoint path")
	cmd.Flags().StringVar(&toolCallsPath, "tool-calls-path", "", "override tool-calls endpoint path")
	return cmd
}

func newExportCmd() *cobra.Command {
	var stateDir string
	var backfill bool

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Run the transcript exporter daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(stateDir)
			if err != nil {
				return err
			}
			logger, closer, err := telemetry.NewLogger(cfg.StateDir, cfg.LogLevel, cfg.Quiet)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			provider, err := otel.Init(ctx, otel.Config{
				Enabled:     cfg.OTel.Enabled,
				Exporter:    cfg.OTel.Exporter,
				Endpoint:    cfg.OTel.Endpoint,
				ServiceName: cfg.OTel.ServiceName,
				SampleRate:  cfg.OTel.SampleRate,
			})
			if err != nil {
				return err
			}
			defer provider.Shutdown(context.Background())

			clientOpts := skclient.FromEnv()
			if clientOpts.BaseURL == "" {
				clientOpts.BaseURL = cfg.SuperKanban.BaseURL
			}
			if clientOpts.BearerToken == "" {
				clientOpts.BearerToken = cfg.SuperKanban.Token
			}
			if clientOpts.APIKey == "" {
				clientOpts.APIKey = cfg.SuperKanban.APIKey
			}
			clientOpts.Timeout = time.Duration(cfg.SuperKanban.TimeoutMs) * time.Millisecond
			clientOpts.AttachPath = cfg.SuperKanban.AttachPath
			clientOpts.MessagesPath = cfg.SuperKanban.MessagesPath
			clientOpts.ToolCallsPath = cfg.SuperKanban.ToolCallsPath
			clientOpts.Logger = logger
			client, err := skclient.New(clientOpts)
			if err != nil {
				return err
			}

			redactor, err := redact.New(cfg.Exporter.RedactionMode, cfg.Exporter.Patterns, redact.Limits{
				MessageContent: cfg.Exporter.MessageContentLimit,
				ToolInput:      cfg.Exporter.ToolInputLimit,
				ToolOutput:     cfg.Exporter.ToolOutputLimit,
			})
			if err != nil {
				return err
			}

			eventBus := bus.New()
			labelMap := bindings.OpenLabelMap(bindings.DefaultLabelMapPath(cfg.StateDir))
			index := bindings.NewIndex(cfg.StateDir, labelMap, logger)

			exp, err := exporter.New(exporter.Config{
				StateDir:     cfg.StateDir,
				PluginID:     cfg.Exporter.PluginID,
				PollInterval: time.Duration(cfg.Exporter.PollIntervalMs) * time.Millisecond,
				Debounce:     time.Duration(cfg.Exporter.DebounceMs) * time.Millisecond,
				Backfill:     backfill || cfg.Exporter.Backfill,
				Client:       client,
				Index:        index,
				Redactor:     redactor,
				Logger:       logger,
				Bus:          eventBus,
			})
			if err != nil {
				return err
			}
			exp.Start(ctx)
			defer exp.Close()

			if sched, err := startScheduledReconcile(ctx, cfg, index, redactor, client, logger); err != nil {
				return err
			} else if sched != nil {
				defer sched.Stop()
			}

			watcher := config.NewWatcher(cfg.StateDir, logger)
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config watcher unavailable", "error", err)
			}

			logger.Info("exporter running",
				"state_dir", cfg.StateDir,
				"plugin_id", cfg.Exporter.PluginID,
				"base_url", client.BaseURL(),
			)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "state directory")
	cmd.Flags().BoolVar(&backfill, "backfill", false, "export pre-existing transcript content")
	return cmd
}

func newGatewayCmd() *cobra.Command {
	var stateDir string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway WebSocket core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(stateDir)
			if err != nil {
				return err
			}
			logger, closer, err := telemetry.NewLogger(cfg.StateDir, cfg.LogLevel, cfg.Quiet)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eventBus := bus.New()
			server := gateway.New(gateway.Config{
				AuthToken:        cfg.Gateway.AuthToken,
				MaxBufferedBytes: cfg.Gateway.MaxBufferedBytes,
				HandshakeTimeout: time.Duration(cfg.Gateway.HandshakeTimeoutMs) * time.Millisecond,
				AllowOrigins:     cfg.Gateway.AllowOrigins,
				Logger:           logger,
				Bus:              eventBus,
			})

			httpServer := &http.Server{
				Addr:    cfg.Gateway.BindAddr,
				Handler: server.Handler(),
			}
			server.Readiness().Advance(gateway.PhaseListening)
			server.BroadcastHealth(ctx)
			errCh := make(chan error, 1)
			go func() {
				errCh <- httpServer.ListenAndServe()
			}()
			server.Readiness().Advance(gateway.PhaseReady)
			server.BroadcastHealth(ctx)
			logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			case err := <-errCh:
				server.Readiness().Advance(gateway.PhaseError)
				server.BroadcastHealth(context.Background())
				return err
			}
		},
	}
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "state directory")
	return cmd
}
