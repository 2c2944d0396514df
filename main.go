package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/cusdeb/cusdeb-api/api/handlers"
	"github.com/cusdeb/cusdeb-api/config"
	"github.com/cusdeb/cusdeb-api/internal/accounts"
	"github.com/cusdeb/cusdeb-api/internal/auth"
	"github.com/cusdeb/cusdeb-api/internal/catalog"
	"github.com/cusdeb/cusdeb-api/internal/database"
	"github.com/cusdeb/cusdeb-api/internal/hooks"
	"github.com/cusdeb/cusdeb-api/internal/images"
	"github.com/cusdeb/cusdeb-api/internal/mailer"
	"github.com/cusdeb/cusdeb-api/internal/scheduler"
	"github.com/cusdeb/cusdeb-api/internal/social"
	"github.com/cusdeb/cusdeb-api/internal/worker"
)

// app holds the services shared by every command.
type app struct {
	cfg      *config.Config
	db       *database.DB
	hooks    *hooks.Manager
	mailer   *mailer.Mailer
	auth     *auth.Service
	accounts *accounts.Service
	catalog  *catalog.Store
	images   *images.Manager
}

func newApp() (*app, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	setupLogger(cfg)

	db, err := database.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	authService, err := auth.New(db, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize auth: %w", err)
	}

	hooksManager := hooks.New(db)
	var mail *mailer.Mailer
	if cfg.SMTPHost != "" {
		sender, err := mailer.NewSMTPSender(cfg)
		if err != nil {
			return nil, fmt.Errorf("initialize mailer: %w", err)
		}
		mail = mailer.New(cfg, sender)
		mail.Subscribe(hooksManager)
	} else {
		slog.Warn("CUSDEB_SMTP_HOST not set, account e-mails are disabled")
	}

	catalogStore, err := catalog.NewStore(db, time.Duration(cfg.CatalogCacheTTL)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("initialize catalog: %w", err)
	}

	return &app{
		cfg:      cfg,
		db:       db,
		hooks:    hooksManager,
		mailer:   mail,
		auth:     authService,
		accounts: accounts.New(db, hooksManager, cfg),
		catalog:  catalogStore,
		images:   images.New(db, hooksManager),
	}, nil
}

// close waits for outstanding webhook deliveries and e-mails.
func (a *app) close() {
	a.hooks.Wait()
	if a.mailer != nil {
		a.mailer.Wait()
	}
	if sqlDB, err := a.db.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

func setupLogger(cfg *config.Config) {
	if cfg.DevMode {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
		})))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

func newRunner(a *app) (*worker.Runner, error) {
	builder, err := worker.NewExecBuilder(a.cfg.BuildCommand, a.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return worker.New(a.images, builder, a.cfg), nil
}

func main() {
	root := &cobra.Command{
		Use:           "cusdeb-api",
		Short:         "CusDeb API server and build worker",
		Version:       handlers.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := serveCmd()
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve, workerCmd(), seedCmd(), catalogCmd(), runJobCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched, err := scheduler.New(a.cfg, a.accounts, a.images)
			if err != nil {
				return err
			}
			defer sched.Stop()
			if err := sched.RunNow(ctx, scheduler.JobInterruptStale); err != nil {
				slog.Error("Failed to interrupt stale builds", "error", err)
			}

			validate, err := handlers.Validation(ctx)
			if err != nil {
				return err
			}
			h := handlers.New(a.db, a.cfg, a.auth, a.accounts, social.New(a.cfg, a.accounts, a.auth),
				a.catalog, a.images, a.hooks)
			h.SetJobs(sched)

			var runner *worker.Runner
			if withWorker {
				if runner, err = newRunner(a); err != nil {
					return err
				}
				h.SetBuilds(runner)
			}

			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", a.cfg.Port),
				Handler:      h.Router(validate),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			workerDone := make(chan struct{})
			if runner != nil {
				go func() {
					defer close(workerDone)
					runner.Run(ctx)
				}()
			} else {
				close(workerDone)
			}

			go func() {
				slog.Info("Server listening", "addr", server.Addr, "version", handlers.Version)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("Server error", "error", err)
					stop()
				}
			}()

			<-ctx.Done()
			slog.Info("Shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("Shutdown error", "error", err)
			}
			<-workerDone
			return nil
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "Also run the build worker in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Claim pending images and build them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			runner, err := newRunner(a)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runner.Run(ctx)
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load devices, operating systems and build types from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			result, err := a.catalog.Seed(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d operating systems and %d devices (%d updated)\n",
				result.OS, result.Devices, result.Updated)
			return nil
		},
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print every device with its operating systems and build types",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			devices, err := a.catalog.ListAllDevices(cmd.Context())
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"ID", "Device", "Active", "OS", "OS Active", "Build types"})
			for _, d := range devices {
				if len(d.OS) == 0 {
					tw.AppendRow(table.Row{d.ID, d.DisplayName, d.Active, "-", "-", "-"})
					continue
				}
				for _, entry := range d.OS {
					tw.AppendRow(table.Row{d.ID, d.DisplayName, d.Active, entry.ShortName, entry.Active, strings.Join(entry.BuildType, ", ")})
				}
			}
			tw.SetStyle(table.StyleLight)
			tw.Render()
			return nil
		},
	}
	cmd.AddCommand(setActiveCmd())
	return cmd
}

func setActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set-active <device|os> <id> <true|false>",
		Short:     "Show or hide a device or an operating system",
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"device", "os"},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 0)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[1])
			}
			active, err := strconv.ParseBool(args[2])
			if err != nil {
				return fmt.Errorf("invalid flag %q", args[2])
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			switch args[0] {
			case "device":
				err = a.catalog.SetDeviceActive(cmd.Context(), uint(id), active)
			case "os":
				err = a.catalog.SetOSActive(cmd.Context(), uint(id), active)
			default:
				return fmt.Errorf("unknown kind %q, want device or os", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d active=%t\n", args[0], id, active)
			return nil
		},
	}
}

func runJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-job [name...]",
		Short: "Run maintenance jobs once (default: all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			sched, err := scheduler.New(a.cfg, a.accounts, a.images)
			if err != nil {
				return err
			}
			defer sched.Stop()

			if len(args) == 0 {
				args = sched.Jobs()
			}
			for _, name := range args {
				if err := sched.RunNow(cmd.Context(), name); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: done\n", name)
			}
			return nil
		},
	}
}
