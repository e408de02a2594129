package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kujo"
	"github.com/ashita-ai/kujo/internal/auth"
	"github.com/ashita-ai/kujo/internal/config"
	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/queue"
	"github.com/ashita-ai/kujo/internal/storage"
	"github.com/ashita-ai/kujo/migrations"
)

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "kujo",
		Short: "Consumer complaint triage and systemic detection",
		Long: `kujo triages consumer complaints with a language model, scores and
routes them, and groups complaints that share an underlying cause into
systemic clusters for supervisors to review.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		newServeCmd(logger),
		newMigrateCmd(logger),
		newEnqueueCmd(logger),
		newKeygenCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

// --- serve ---

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and queue workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []kujo.Option{kujo.WithVersion(version), kujo.WithLogger(logger)}
			if port != 0 {
				opts = append(opts, kujo.WithPort(port))
			}
			app, err := kujo.New(opts...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides KUJO_PORT)")
	return cmd
}

// --- migrate ---

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := storage.New(cmd.Context(), cfg.DatabaseURL, "", logger)
			if err != nil {
				return err
			}
			defer db.Close(cmd.Context())
			if err := db.RunMigrations(cmd.Context(), migrations.FS); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

// --- enqueue ---

func newEnqueueCmd(logger *slog.Logger) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "enqueue COMPLAINT_ID...",
		Short: "Submit complaints and queue them for triage",
		Long: `Submit complaints and queue them for triage on the shared Redis queue.
Drafts are submitted first; already submitted or triaged complaints are
queued again.

Example:
  kujo enqueue --tenant 3f0c... 9a1b... 77de...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("invalid --tenant: %w", err)
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required: the in-process queue is not visible to the server")
			}

			ctx := cmd.Context()
			db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
			if err != nil {
				return err
			}
			defer db.Close(ctx)
			q, err := queue.NewRedisQueue(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			for _, id := range ids {
				c, err := db.GetComplaint(ctx, tenantID, id)
				if err != nil {
					return fmt.Errorf("complaint %s: %w", id, err)
				}
				if c.Status == model.StatusDraft {
					if c, err = db.SubmitComplaint(ctx, tenantID, id); err != nil {
						return fmt.Errorf("submit %s: %w", id, err)
					}
				}
				if err := q.Enqueue(ctx, model.QueueTriage, model.Job{
					ID:          uuid.New(),
					ComplaintID: c.ID,
					TenantID:    c.TenantID,
					RawText:     c.RawText,
					BusinessID:  c.BusinessID,
					EnqueuedAt:  time.Now().UTC(),
				}); err != nil {
					return fmt.Errorf("enqueue %s: %w", id, err)
				}
				logger.Info("complaint queued for triage", "complaint_id", c.ID, "tenant_id", c.TenantID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID owning the complaints")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func parseIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, a := range args {
		id, err := uuid.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("invalid complaint ID %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- keygen ---

func newKeygenCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for token signing",
		Long: `Generate an Ed25519 key pair for token signing. Point
KUJO_JWT_PUBLIC_KEY at the public half; keep the private half with the
identity service. Existing keys are never overwritten.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath, pubPath, err := auth.WriteKeyPair(dir)
			if err != nil {
				return err
			}
			cmd.Println("wrote " + privPath)
			cmd.Println("wrote " + pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "output directory")
	return cmd
}

// --- token ---

func newTokenCmd() *cobra.Command {
	var (
		keyPath string
		tenant  string
		role    string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token from a private key (development)",
		Example: `  kujo token --key data/jwt_private.pem --tenant 3f0c... --role supervisor --sub alice`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("invalid --tenant: %w", err)
			}
			r, err := model.ParseRole(role)
			if err != nil {
				return fmt.Errorf("invalid --role: %w", err)
			}
			mgr, err := auth.NewSigningJWTManager(keyPath, ttl)
			if err != nil {
				return err
			}
			token, _, err := mgr.IssueToken(subject, tenantID, r)
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "data/"+auth.PrivateKeyFile, "Ed25519 private key (PEM)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&role, "role", string(model.RoleOfficer), "operator role")
	cmd.Flags().StringVar(&subject, "sub", "dev", "operator user ID")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// --- version ---

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("kujo " + version)
		},
	}
}
