package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"wagate/internal/api"
	"wagate/internal/domain"
	"wagate/internal/store"

	"github.com/spf13/cobra"
)

// ensureAdmin returns the named admin user, creating it with an unlimited
// quota when missing. An existing non-admin user with that name is an error.
func ensureAdmin(ctx context.Context, st *store.SQLiteStore, username string) (*domain.User, error) {
	u, err := st.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if u != nil {
		if u.Role != domain.RoleAdmin {
			return nil, fmt.Errorf("user %q exists without the admin role", username)
		}
		return u, nil
	}
	u, err = st.CreateUser(ctx, domain.NewUser{
		Username:  username,
		Role:      domain.RoleAdmin,
		Limit:     domain.UnlimitedQuota,
		Frequency: domain.FrequencyUnlimited,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("admin user created", "username", username, "id", u.ID)
	return u, nil
}

// withStore opens the configured database for an offline admin command.
func withStore(fn func(ctx context.Context, st *store.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(context.Background(), st)
}

func lookupUser(ctx context.Context, st *store.SQLiteStore, username string) (*domain.User, error) {
	u, err := st.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %q not found", username)
	}
	return u, nil
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage gateway users",
	}

	var (
		role  string
		limit int64
		freq  string
	)
	create := &cobra.Command{
		Use:   "create [username]",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := domain.Role(role)
			if r != domain.RoleAdmin && r != domain.RoleAgent {
				return fmt.Errorf("role must be admin or agent")
			}
			f := domain.LimitFrequency(freq)
			switch f {
			case domain.FrequencyDaily, domain.FrequencyMonthly, domain.FrequencyUnlimited:
			default:
				return fmt.Errorf("frequency must be daily, monthly or unlimited")
			}
			return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
				existing, err := st.GetUserByUsername(ctx, args[0])
				if err != nil {
					return err
				}
				if existing != nil {
					return fmt.Errorf("user %q already exists", args[0])
				}
				u, err := st.CreateUser(ctx, domain.NewUser{Username: args[0], Role: r, Limit: limit, Frequency: f})
				if err != nil {
					return err
				}
				fmt.Printf("created user %s (id %d, role %s)\n", u.Username, u.ID, u.Role)
				return nil
			})
		},
	}
	create.Flags().StringVar(&role, "role", string(domain.RoleAgent), "admin or agent")
	create.Flags().Int64Var(&limit, "limit", 1000, "messages per period (-1 for unlimited)")
	create.Flags().StringVar(&freq, "frequency", string(domain.FrequencyDaily), "daily, monthly or unlimited")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users with their quota usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
				users, err := st.ListUsers(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tUSERNAME\tROLE\tSTATUS\tUSAGE\tLIMIT\tFREQUENCY")
				for _, u := range users {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
						u.ID, u.Username, u.Role, u.Status, u.Quota.Usage, u.Quota.Limit, u.Quota.Frequency)
				}
				return w.Flush()
			})
		},
	})

	for _, status := range []domain.AccountStatus{domain.AccountSuspended, domain.AccountActive} {
		status := status
		verb := "suspend"
		if status == domain.AccountActive {
			verb = "activate"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   verb + " [username]",
			Short: "Set a user's account status to " + string(status),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
					u, err := lookupUser(ctx, st, args[0])
					if err != nil {
						return err
					}
					if err := st.SetUserStatus(ctx, u.ID, status); err != nil {
						return err
					}
					logger.Info("user status updated", "username", u.Username, "status", status)
					return nil
				})
			},
		})
	}

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue, list and revoke API tokens",
	}

	var (
		name      string
		instances string
	)
	create := &cobra.Command{
		Use:   "create [username]",
		Short: "Issue a token for a user; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDList(instances)
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
				u, err := lookupUser(ctx, st, args[0])
				if err != nil {
					return err
				}
				for _, id := range ids {
					inst, err := st.GetInstance(ctx, id)
					if err != nil {
						return err
					}
					if inst == nil {
						return fmt.Errorf("instance %d not found", id)
					}
				}
				raw, err := api.GenerateToken()
				if err != nil {
					return fmt.Errorf("generate token: %w", err)
				}
				tok, err := st.CreateToken(ctx, u.ID, name, api.HashToken(raw), ids)
				if err != nil {
					return err
				}
				fmt.Printf("token %d for %s: %s\n", tok.ID, u.Username, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "cli", "token label")
	create.Flags().StringVar(&instances, "instances", "", "comma-separated instance ids the token may use")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list [username]",
		Short: "List tokens, optionally for one user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
				var userID int64
				if len(args) == 1 {
					u, err := lookupUser(ctx, st, args[0])
					if err != nil {
						return err
					}
					userID = u.ID
				}
				tokens, err := st.ListTokens(ctx, userID)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tUSER\tNAME\tINSTANCES\tLAST USED")
				for _, t := range tokens {
					lastUsed := "never"
					if t.LastUsedAt != nil {
						lastUsed = t.LastUsedAt.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", t.ID, t.UserID, t.Name, formatIDList(t.Instances), lastUsed)
				}
				return w.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke [id]",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid token id %q", args[0])
			}
			return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
				if err := st.RevokeToken(ctx, id); err != nil {
					return err
				}
				logger.Info("token revoked", "id", id)
				return nil
			})
		},
	})

	return cmd
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid instance id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatIDList(ids []int64) string {
	if len(ids) == 0 {
		return "all"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
