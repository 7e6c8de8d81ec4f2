package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ticketflow/internal/app"
	"ticketflow/internal/config"
	"ticketflow/internal/domain"
	"ticketflow/internal/journal"
	"ticketflow/internal/server"
	"ticketflow/internal/ticket"
	sdk "ticketflow/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Ticketflow CLI",
	Long: `Ticketflow keeps a directory of markdown ticket files in sync with live
subscribers and enriches under-specified tickets through an external agent.
Tickets live as TKT-NNN.md files with YAML frontmatter; edit them with any
editor and the running server picks up the change.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TICKETFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file path (defaults to <workspace>/ticketflow.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(enrichCmd())
	rootCmd.AddCommand(logCmd())
}

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(workspace)
	}
	if err != nil {
		return nil, err
	}
	// Relative paths resolve against the workspace.
	if !filepath.IsAbs(cfg.TicketsDir) {
		cfg.TicketsDir = filepath.Join(workspace, cfg.TicketsDir)
	}
	if cfg.Journal.Enabled && !filepath.IsAbs(cfg.Journal.Path) {
		cfg.Journal.Path = filepath.Join(workspace, cfg.Journal.Path)
	}
	return cfg, nil
}

func openStore() (*ticket.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ticket.NewStore(cfg.TicketsDir)
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the ticket directory and start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Store:        a.Store,
				Hub:          a.Hub,
				Orchestrator: a.Orchestrator,
				Journal:      a.Journal,
				BasePath:     cfg.Server.BasePath,
				Auth:         server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Printf("http server: %v", err)
					stop()
				}
			}()

			fmt.Printf("Serving Ticketflow API on http://%s%s (OpenAPI at %s/openapi.json)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func ticketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Manage ticket files in the workspace",
	}
	cmd.AddCommand(ticketListCmd())
	cmd.AddCommand(ticketShowCmd())
	cmd.AddCommand(ticketCreateCmd())
	cmd.AddCommand(ticketUpdateCmd())
	cmd.AddCommand(ticketDeleteCmd())
	return cmd
}

func ticketListCmd() *cobra.Command {
	var f ticket.Filter
	var sortKey string
	var desc bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			ts, err := store.List(cmd.Context(), f, ticket.Sort{Key: ticket.SortKey(sortKey), Descending: desc})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(ts)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Enrichment"})
			for _, t := range ts {
				enrichment := ""
				if t.Enrichment != nil {
					enrichment = string(t.Enrichment.Status)
				}
				tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.Assignee, enrichment})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.Project, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&sortKey, "sort", "id", "sort key: id, priority, created, updated")
	cmd.Flags().BoolVar(&desc, "desc", false, "sort descending")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			t, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func ticketCreateCmd() *cobra.Command {
	var in ticket.CreateInput
	var status, priority string
	var estimate int
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			in.Title = args[0]
			in.Status = domain.Status(status)
			in.Priority = domain.Priority(priority)
			if cmd.Flags().Changed("estimate") {
				in.Estimate = &estimate
			}
			t, err := store.Create(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "initial status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority: high, medium, low")
	cmd.Flags().StringVar(&in.Project, "project", "", "project name")
	cmd.Flags().StringVar(&in.Assignee, "assignee", "", "assignee")
	cmd.Flags().IntVar(&estimate, "estimate", 0, "size estimate")
	cmd.Flags().StringVar(&in.Body, "body", "", "ticket body markdown")
	return cmd
}

func ticketUpdateCmd() *cobra.Command {
	var title, status, priority, project, assignee, body string
	var estimate int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update fields of a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			var p ticket.Patch
			if cmd.Flags().Changed("title") {
				p.Title = &title
			}
			if cmd.Flags().Changed("status") {
				s := domain.Status(status)
				if !s.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
				p.Status = &s
			}
			if cmd.Flags().Changed("priority") {
				pr := domain.Priority(priority)
				if !pr.Valid() {
					return fmt.Errorf("invalid priority %q", priority)
				}
				p.Priority = &pr
			}
			if cmd.Flags().Changed("project") {
				p.Project = &project
			}
			if cmd.Flags().Changed("assignee") {
				p.Assignee = &assignee
			}
			if cmd.Flags().Changed("estimate") {
				p.Estimate = &estimate
			}
			if cmd.Flags().Changed("body") {
				p.Body = &body
			}
			t, err := store.Update(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&project, "project", "", "new project")
	cmd.Flags().StringVar(&assignee, "assignee", "", "new assignee")
	cmd.Flags().IntVar(&estimate, "estimate", 0, "new size estimate")
	cmd.Flags().StringVar(&body, "body", "", "new body markdown")
	return cmd
}

func ticketDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func enrichCmd() *cobra.Command {
	var serverURL, token string
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Control enrichment on a running server",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8410", "server base URL")
	cmd.PersistentFlags().StringVar(&token, "token", "", "bearer token")

	client := func() *sdk.Client {
		c := sdk.New(serverURL)
		c.BearerToken = token
		return c
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "trigger <id>",
		Short: "Trigger enrichment for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().TriggerEnrichment(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("enrichment triggered for", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a ticket's enrichment complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().CompleteEnrichment(cmd.Context(), args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "fail <id> [reason]",
		Short: "Mark a ticket's enrichment failed",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := ""
			if len(args) > 1 {
				reason = args[1]
			}
			return client().FailEnrichment(cmd.Context(), args[0], reason)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "List in-flight enrichment sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := client().Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(sessions)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Ticket", "Session Key", "Started"})
			for _, s := range sessions {
				tw.AppendRow(table.Row{s.TicketID, s.SessionKey, s.StartedAt.Format(time.RFC3339)})
			}
			tw.Render()
			return nil
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event journal",
	}
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("journal disabled in config")
			}
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()
			entries, err := j.Tail(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Time", "Type", "Ticket"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.TS.Format(time.RFC3339), e.Type, e.TicketID})
			}
			tw.Render()
			return nil
		},
	}
	tail.Flags().IntVar(&limit, "limit", 50, "number of entries")
	cmd.AddCommand(tail)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
