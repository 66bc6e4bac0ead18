package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clawbox/clawbox/pkg/agent"
	"github.com/clawbox/clawbox/pkg/config"
	"github.com/clawbox/clawbox/pkg/domain"
	"github.com/clawbox/clawbox/pkg/fetch"
	"github.com/clawbox/clawbox/pkg/model/gemini"
	"github.com/clawbox/clawbox/pkg/sandbox"
	sandboxdocker "github.com/clawbox/clawbox/pkg/sandbox/docker"
	"github.com/clawbox/clawbox/pkg/server"
	"github.com/clawbox/clawbox/pkg/session"
	"github.com/clawbox/clawbox/pkg/store"
	auditsqlite "github.com/clawbox/clawbox/pkg/store/sqlite"
	"github.com/clawbox/clawbox/pkg/tool"
)

// Exit codes.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitEngineUnreach = 2
	exitInternal      = 3
)

var cfgFile string

func main() {
	// One JSON object per line on stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "clawbox",
		Short:         "LLM-driven sandboxed shell agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "clawbox.yaml", "config file path")

	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(cleanupCmd())
	root.AddCommand(auditCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		switch {
		case errors.Is(err, sandbox.ErrUnavailable):
			os.Exit(exitEngineUnreach)
		case isConfigError(err):
			os.Exit(exitConfigError)
		default:
			os.Exit(exitInternal)
		}
	}
	os.Exit(exitOK)
}

// configError marks start-up configuration failures so main can map them to
// the right exit code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func isConfigError(err error) bool {
	var ce *configError
	return errors.As(err, &ce)
}

// buildRuntime assembles the component graph shared by serve and chat.
func buildRuntime(ctx context.Context) (*session.Coordinator, *sandboxdocker.Manager, store.AuditStore, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, nil, &configError{err}
	}
	if cfg.LLM.APIKey == "" {
		return nil, nil, nil, nil, &configError{fmt.Errorf("llm.api_key not set (or GEMINI_API_KEY)")}
	}

	sbMgr, err := sandboxdocker.New(sandboxdocker.Options{
		Image:           cfg.Sandbox.Image,
		WorkspaceRoot:   cfg.Workspace.Root,
		MemMiB:          cfg.Sandbox.MemMiB,
		CPUs:            cfg.Sandbox.CPUs,
		Pids:            cfg.Sandbox.Pids,
		OutputCapBytes:  cfg.Sandbox.OutputCapBytes,
		ScratchCapBytes: cfg.Sandbox.ScratchCapBytes,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := sbMgr.Ping(ctx); err != nil {
		sbMgr.Close()
		return nil, nil, nil, nil, err
	}

	// Reap orphans from prior crashes before accepting work.
	if err := sbMgr.CleanupAll(ctx); err != nil {
		slog.Warn("Startup cleanup failed", "error", err)
	}

	provider, err := gemini.New(ctx, cfg.LLM.APIKey, cfg.LLM.Endpoint)
	if err != nil {
		sbMgr.Close()
		return nil, nil, nil, nil, fmt.Errorf("initializing model provider: %w", err)
	}

	fetcher := fetch.New(fetch.Options{
		MaxBytes:     cfg.Fetch.MaxBytes,
		Timeout:      cfg.Fetch.Timeout(),
		MaxRedirects: cfg.Fetch.MaxRedirects,
	})

	registry := tool.NewRegistry()
	if err := registry.Register(tool.NewShellTool(sbMgr, cfg.Sandbox.ExecTimeout())); err != nil {
		sbMgr.Close()
		return nil, nil, nil, nil, err
	}
	if err := registry.Register(tool.NewWebFetchTool(fetcher)); err != nil {
		sbMgr.Close()
		return nil, nil, nil, nil, err
	}

	var audit store.AuditStore
	if cfg.Audit.DBPath != "" {
		audit, err = auditsqlite.New(cfg.Audit.DBPath)
		if err != nil {
			slog.Warn("Audit store unavailable, continuing without it", "error", err)
			audit = nil
		}
	}

	loop := agent.New(provider, registry, agent.Config{
		Model:                cfg.LLM.Model,
		MaxTurns:             cfg.Agent.MaxTurns,
		MaxRepeated:          cfg.Agent.MaxRepeated,
		MaxConsecutiveErrors: cfg.Agent.MaxConsecutiveErrors,
	})

	return session.New(loop, sbMgr, audit), sbMgr, audit, cfg, nil
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			coordinator, sbMgr, audit, cfg, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer sbMgr.Close()
			if audit != nil {
				defer audit.Close()
			}

			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := server.New(coordinator, audit)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(addr)
			}()

			select {
			case <-ctx.Done():
				slog.Info("Shutting down")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
				return coordinator.Shutdown(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

const banner = `clawbox — sandboxed shell assistant

Commands:
  /exit, /quit  - Exit
  /reset        - Reset session (new conversation id)
  /help         - Show this help

Type your message and press Enter.`

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			coordinator, sbMgr, audit, _, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer sbMgr.Close()
			if audit != nil {
				defer audit.Close()
			}
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer shutdownCancel()
				coordinator.Shutdown(shutdownCtx)
			}()

			conversationID := newConversationID()
			fmt.Println(banner)
			fmt.Printf("\nSession: %s\n\n", conversationID)

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("you> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					continue
				}

				switch strings.ToLower(input) {
				case "/exit", "/quit", "exit", "quit":
					fmt.Println("Goodbye.")
					return nil
				case "/reset":
					if err := coordinator.Reset(ctx, conversationID); err != nil {
						slog.Warn("Reset failed", "error", err)
					}
					conversationID = newConversationID()
					fmt.Printf("Session reset. New conversation id: %s\n", conversationID)
					continue
				case "/help":
					fmt.Println(banner)
					continue
				}

				res := coordinator.HandleMessage(ctx, conversationID, input)
				fmt.Println("\n" + strings.Repeat("-", 40))
				fmt.Println(res.ResponseText())
				fmt.Println(strings.Repeat("-", 40))
				if res.StopReason != domain.StopCompleted {
					fmt.Printf("Stopped: %s (turns: %d)\n", res.StopReason, res.Turns)
				}

				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
}

func newConversationID() string {
	return "cli-" + uuid.New().String()[:8]
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove all sandbox containers, including orphans",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return &configError{err}
			}

			mgr, err := sandboxdocker.New(sandboxdocker.Options{
				Image:         cfg.Sandbox.Image,
				WorkspaceRoot: cfg.Workspace.Root,
			})
			if err != nil {
				return err
			}
			defer mgr.Close()

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			return mgr.CleanupAll(ctx)
		},
	}
}

func auditCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent tool invocations and loop terminations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return &configError{err}
			}

			audit, err := auditsqlite.New(cfg.Audit.DBPath)
			if err != nil {
				return err
			}
			defer audit.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			calls, err := audit.RecentToolCalls(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Printf("Tool invocations (%d):\n", len(calls))
			for _, c := range calls {
				status := "ok"
				if !c.Success {
					status = c.ErrorKind
				}
				fmt.Printf("  %s  %-12s %-10s %6dms  %s\n",
					c.Timestamp.Format(time.RFC3339), c.Tool, status, c.DurationMS, c.Argv)
			}

			terms, err := audit.RecentTerminations(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Printf("\nLoop terminations (%d):\n", len(terms))
			for _, t := range terms {
				fmt.Printf("  %s  %-20s %-18s turns=%d\n",
					t.Timestamp.Format(time.RFC3339), t.ConversationID, t.StopReason, t.Turns)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records to show")
	return cmd
}
