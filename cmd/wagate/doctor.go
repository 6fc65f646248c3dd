package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"wagate/internal/config"
	"wagate/internal/events"
	"wagate/internal/notify"
	"wagate/internal/policy"
	"wagate/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const probeTimeout = 5 * time.Second

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wagate installation",
		Long: `Verifies that the configuration, database, protocol driver and
optional integrations (Redis, AMQP, Telegram) are reachable. Reports
pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("wagate doctor v%s\n\n", version)

			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wagate init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			checkStore(r, cfg.Database.Path)
			checkDriver(r, cfg.Sessions.DriverURL)
			checkPort(r, cfg.Server.Host, cfg.Server.Port)

			if cfg.Server.AdminToken == "" {
				r.warn("Admin token", "not set; only API tokens can authenticate")
			} else {
				r.pass("Admin token", "configured")
			}

			if path := cfg.Policy.PolicyFile; path != "" {
				if f, err := policy.LoadFile(path); err != nil {
					r.fail("Policy file", err.Error())
				} else {
					r.pass("Policy file", fmt.Sprintf("%s (%d patterns, %d templates)", path, len(f.ForbiddenPatterns), len(f.Templates)))
				}
			}

			if cfg.RateLimit.Enabled && cfg.RateLimit.RedisAddr != "" {
				checkRedis(ctx, r, cfg.RateLimit)
			}

			if cfg.Events.Enabled {
				dctx, cancel := context.WithTimeout(ctx, probeTimeout)
				conn, err := events.DialWithRetry(dctx, events.DialOptions{URL: cfg.Events.AMQPURL, Attempts: 1, Logger: logger})
				cancel()
				if err != nil {
					r.fail("AMQP broker", err.Error())
				} else {
					conn.Close()
					r.pass("AMQP broker", "reachable")
				}
			}

			if cfg.Notify.Telegram.Enabled {
				if bot, err := notify.NewBot(cfg.Notify.Telegram.Token); err != nil {
					r.fail("Telegram bot", err.Error())
				} else {
					r.pass("Telegram bot", "@"+bot.Self.UserName)
				}
			}

			if cfg.General.LogFile != "" {
				f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					r.warn("Log file", fmt.Sprintf("not writable: %v", err))
				} else {
					f.Close()
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

// checkStore opens the database, which also applies pending migrations.
func checkStore(r *doctorReport, path string) {
	st, err := store.Open(path, logger)
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	defer st.Close()
	v, err := store.GetSchemaVersion(st.DB())
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	r.pass("Database", fmt.Sprintf("%s (schema v%d)", path, v))
}

func checkDriver(r *doctorReport, driverURL string) {
	u, err := url.Parse(driverURL)
	if err != nil {
		r.fail("Protocol driver", err.Error())
		return
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "wss" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	conn, err := net.DialTimeout("tcp", host, probeTimeout)
	if err != nil {
		r.warn("Protocol driver", fmt.Sprintf("%s unreachable: %v", host, err))
		return
	}
	conn.Close()
	r.pass("Protocol driver", driverURL)
}

func checkPort(r *doctorReport, host string, port int) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.warn("API port", fmt.Sprintf("%s may be in use: %v", addr, err))
		return
	}
	ln.Close()
	r.pass("API port", addr+" available")
}

func checkRedis(ctx context.Context, r *doctorReport, rl config.RateLimitConfig) {
	client := redis.NewClient(&redis.Options{Addr: rl.RedisAddr, Password: rl.RedisPassword, DB: rl.RedisDB})
	defer client.Close()
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		r.fail("Redis", fmt.Sprintf("%s: %v", rl.RedisAddr, err))
		return
	}
	r.pass("Redis", rl.RedisAddr)
}
