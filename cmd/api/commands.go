package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inaiurai/localize/internal/config"
	"github.com/inaiurai/localize/internal/middleware"
	"github.com/inaiurai/localize/internal/migrate"
	"github.com/inaiurai/localize/internal/models"
	"github.com/inaiurai/localize/internal/orchestrator"
	"github.com/inaiurai/localize/internal/repository"
	"github.com/inaiurai/localize/internal/worklog"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook and management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			handler, err := buildRouter(a)
			if err != nil {
				return err
			}

			var wg sync.WaitGroup
			a.start(ctx, &wg)

			srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting HTTP server", "addr", cfg.HTTP.Addr, "delivery", cfg.Delivery.Mode, "processing", cfg.Processing.Mode)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
			case err = <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
			}
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			a.stop(shutdownCtx)
			wg.Wait()
			return err
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	_ = v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the work log consumer and delivery workers without HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.Processing.Mode != config.ProcessingWorklog && cfg.Delivery.Mode != config.DeliveryRiver {
				return errors.New("nothing to run: set processing.mode=worklog or delivery.mode=river")
			}
			if cfg.Database.Memory {
				return errors.New("worker needs a database shared with serve")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			var wg sync.WaitGroup
			a.start(ctx, &wg)
			logger.Info("worker started", "processing", cfg.Processing.Mode, "delivery", cfg.Delivery.Mode)
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.stop(shutdownCtx)
			wg.Wait()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.Database.Memory {
				return errors.New("migrate needs a database")
			}
			if down > 0 {
				if err := migrate.Down(cfg.Database.URL, down); err != nil {
					return err
				}
				logger.Info("schema rolled back", "steps", down)
				return nil
			}
			pool, err := connect(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return migrate.Up(cmd.Context(), cfg.Database.URL, pool, logger)
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "roll back this many schema versions instead")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts and work log state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.Database.Memory {
				return errors.New("stats needs a database")
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			tasks, err := repository.NewTaskRepo(pool).ListTasksByStatus(ctx, "")
			if err != nil {
				return err
			}
			wl := worklog.New(worklog.NewPGStore(pool, logger), worklog.Options{Group: cfg.Worklog.Group}, logger)
			st, err := wl.Stats(ctx)
			if err != nil {
				return err
			}
			renderStats(os.Stdout, tasks, st)
			return nil
		},
	}
}

func renderStats(w io.Writer, tasks []*models.Task, st worklog.Stats) {
	counts := make(map[string]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Tasks")
	tw.AppendHeader(table.Row{"Status", "Count"})
	for _, s := range []string{models.TaskStatusPending, models.TaskStatusProcessing, models.TaskStatusCompleted, models.TaskStatusFailed} {
		tw.AppendRow(table.Row{s, counts[s]})
	}
	tw.AppendFooter(table.Row{"total", len(tasks)})
	tw.Render()

	consumers := make([]string, 0, len(st.Pending))
	for c := range st.Pending {
		consumers = append(consumers, c)
	}
	sort.Strings(consumers)
	wt := table.NewWriter()
	wt.SetOutputMirror(w)
	wt.SetTitle("Work log " + st.Group)
	wt.AppendHeader(table.Row{"Consumer", "Pending"})
	for _, c := range consumers {
		wt.AppendRow(table.Row{c, st.Pending[c]})
	}
	wt.AppendFooter(table.Row{"unread", st.Length})
	wt.Render()
}

func submitCmd() *cobra.Command {
	var (
		file   string
		server string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task request document to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			req, err := readSubmitRequest(file)
			if err != nil {
				return err
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			httpReq, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(server, "/")+"/v1/tasks", bytes.NewReader(body))
			if err != nil {
				return err
			}
			httpReq.Header.Set("Content-Type", "application/json")
			if token != "" {
				httpReq.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
			}
			var out struct {
				TaskID    string   `json:"task_id"`
				Status    string   `json:"status"`
				Languages []string `json:"target_languages"`
			}
			if err := json.Unmarshal(raw, &out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Task", "Status", "Languages"})
			tw.AppendRow(table.Row{out.TaskID, out.Status, strings.Join(out.Languages, ", ")})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON task request")
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("LOCALIZE_OPERATOR_TOKEN"), "operator bearer token")
	return cmd
}

// readSubmitRequest decodes a request document. YAML is a superset of JSON,
// so both forms are accepted.
func readSubmitRequest(path string) (orchestrator.SubmitRequest, error) {
	var req orchestrator.SubmitRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(req.SourceContent) == "" || len(req.TargetLanguages) == 0 {
		return req, fmt.Errorf("%s: source_content and target_languages are required", path)
	}
	return req, nil
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			tok, err := middleware.IssueOperatorToken([]byte(cfg.Operator.JWTSecret), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
