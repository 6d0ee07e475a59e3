package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/bengobox/tenancy-service/internal/app"
	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/config"
	"github.com/bengobox/tenancy-service/internal/logger"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/bengobox/tenancy-service/internal/token"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// cli carries state shared by every subcommand.
type cli struct {
	cfg   *config.Config
	actor string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "tenantctl",
		Short:        "Operate the tenancy service: tenants, keys, retention and admin tokens",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.actor, "actor", "tenantctl", "identity recorded in audit entries")

	root.AddCommand(c.tenantCmd(), c.keysCmd(), c.retentionCmd(), c.tokenCmd())
	return root
}

// withCore builds the service graph for one command and tears it down after.
func (c *cli) withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.Core) error) error {
	zapLogger, err := logger.New(c.cfg.App.Environment)
	if err != nil {
		return err
	}
	defer zapLogger.Sync() //nolint:errcheck // best effort

	ctx := audit.WithActor(cmd.Context(), c.actor)
	core, err := app.NewCore(ctx, c.cfg, zapLogger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(ctx, core)
}

func (c *cli) tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Provision and retire tenants"}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <tenant-id>",
		Short: "Provision a tenant schema (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := tenant.Parse(args[0])
			if err != nil {
				return err
			}
			return c.withCore(cmd, func(ctx context.Context, core *app.Core) error {
				rec, created, err := core.Tenants.Create(ctx, id)
				if err != nil {
					return err
				}
				if created {
					_ = core.Audit.Record(ctx, id, audit.Entry{
						Action:       audit.ActionTenantCreated,
						ResourceType: "tenant",
						ResourceID:   id.String(),
						Status:       "success",
					})
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"tenant": rec, "created": created})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withCore(cmd, func(ctx context.Context, core *app.Core) error {
				items, err := core.Tenants.List(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), items)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <tenant-id>",
		Short: "Soft-delete a tenant; its schema stays until purged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := tenant.Parse(args[0])
			if err != nil {
				return err
			}
			return c.withCore(cmd, func(ctx context.Context, core *app.Core) error {
				if _, err := core.Tenants.Get(ctx, id); err != nil {
					return err
				}
				_ = core.Audit.Record(ctx, id, audit.Entry{
					Action:       audit.ActionTenantDeleted,
					ResourceType: "tenant",
					ResourceID:   id.String(),
					Severity:     audit.SeverityWarning,
					Status:       "initiated",
				})
				if err := core.Tenants.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tenant %s deleted\n", id)
				return nil
			})
		},
	})

	var confirm bool
	purge := &cobra.Command{
		Use:   "purge <tenant-id>",
		Short: "Drop the schema of a deleted tenant. This cannot be undone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := tenant.Parse(args[0])
			if err != nil {
				return err
			}
			if !confirm {
				return fmt.Errorf("refusing to purge %s without --yes", id)
			}
			return c.withCore(cmd, func(ctx context.Context, core *app.Core) error {
				if err := core.Tenants.Purge(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tenant %s purged\n", id)
				return nil
			})
		},
	}
	purge.Flags().BoolVar(&confirm, "yes", false, "confirm the irreversible purge")
	cmd.AddCommand(purge)

	var all bool
	replay := &cobra.Command{
		Use:   "migrate [tenant-id...]",
		Short: "Replay the tenant baseline into existing tenant schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name at least one tenant or pass --all")
			}
			return c.withCore(cmd, func(ctx context.Context, core *app.Core) error {
				ids := make([]tenant.ID, 0, len(args))
				for _, raw := range args {
					id, err := tenant.Parse(raw)
					if err != nil {
						return err
					}
					ids = append(ids, id)
				}
				if all {
					recs, err := core.Tenants.List(ctx)
					if err != nil {
						return err
					}
					for _, rec := range recs {
						ids = append(ids, rec.ID)
					}
				}
				var failed []string
				for _, id := range ids {
					if err := core.Tenants.ReplayBaseline(ctx, id); err != nil {
						failed = append(failed, fmt.Sprintf("%s: %v", id, err))
					}
				}
				if len(failed) > 0 {
					return fmt.Errorf("baseline replay failed:\n  %s", strings.Join(failed, "\n  "))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "baseline replayed into %d tenants\n", len(ids))
				return nil
			})
		},
	}
	replay.Flags().BoolVar(&all, "all", false, "replay into every active tenant")
	cmd.AddCommand(replay)

	return cmd
}

func (c *cli) keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage data encryption keys"}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Retire the active key and install a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withCore(cmd, func(ctx context.Context, core *app.Core) error {
				key, err := core.Keys.Rotate(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), key)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List key metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withCore(cmd, func(ctx context.Context, core *app.Core) error {
				keys, err := core.Keys.Keys(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), keys)
			})
		},
	})
	return cmd
}

func (c *cli) retentionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "retention", Short: "Run retention enforcement"}
	var tenantID string
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Delete records whose retention period has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withCore(cmd, func(ctx context.Context, core *app.Core) error {
				now := time.Now().UTC()
				if tenantID == "" {
					report, err := core.Sweeper.Sweep(ctx, now)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), report)
				}
				id, err := tenant.Parse(tenantID)
				if err != nil {
					return err
				}
				report, err := core.Sweeper.SweepTenant(ctx, id, now)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	sweep.Flags().StringVar(&tenantID, "tenant", "", "limit the sweep to one tenant")
	cmd.AddCommand(sweep)
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Issue operator tokens"}
	var (
		subject  string
		tenantID string
		scopes   []string
		ttl      time.Duration
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a signed admin token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := token.NewService(c.cfg.Security)
			if err != nil {
				return err
			}
			var (
				signed  string
				expires time.Time
			)
			if tenantID == "" {
				signed, expires, err = svc.Mint(subject, scopes, ttl)
			} else {
				id, perr := tenant.Parse(tenantID)
				if perr != nil {
					return perr
				}
				if !cmd.Flags().Changed("scope") {
					scopes = []string{token.ScopeTenantAdmin}
				}
				if slices.Contains(scopes, token.ScopeAdmin) {
					return fmt.Errorf("scope %q is global and cannot be bound to a tenant", token.ScopeAdmin)
				}
				signed, expires, err = svc.MintForTenant(id.String(), subject, scopes, ttl)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"token": signed, "expires_at": expires})
		},
	}
	mint.Flags().StringVar(&subject, "subject", "", "token subject, recorded as the audit actor")
	mint.Flags().StringVar(&tenantID, "tenant", "", "bind the token to one tenant (scope defaults to tenant_admin)")
	mint.Flags().StringSliceVar(&scopes, "scope", []string{token.ScopeAdmin}, "scopes to grant")
	mint.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to TENANCY_SECURITY_ADMIN_TOKEN_TTL)")
	_ = mint.MarkFlagRequired("subject")
	cmd.AddCommand(mint)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
