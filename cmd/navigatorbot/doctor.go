package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"navigatorbot/internal/access"
	"navigatorbot/internal/config"

	"github.com/spf13/cobra"
)

// checkResults counts and prints doctor checks.
type checkResults struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *checkResults) pass(check, detail string) {
	fmt.Fprintf(r.out, "  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkResults) fail(check, detail string) {
	fmt.Fprintf(r.out, "  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *checkResults) warn(check, detail string) {
	fmt.Fprintf(r.out, "  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your navigatorbot installation",
		Long: `Verifies that the configuration is valid, the NAVIGATOR server is reachable,
the access database is writable and the API port is free. Reports pass/fail
for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			res := &checkResults{out: out}
			cfgPath := resolveConfigPath()
			fmt.Fprintf(out, "navigatorbot doctor v%s\n", version)
			fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			if _, err := os.Stat(cfgPath); err != nil {
				res.warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
			} else {
				res.pass("Config file", cfgPath)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				res.fail("Config validation", err.Error())
				fmt.Fprintf(out, "\nRun 'navigatorbot config init' to create a default configuration.\n")
				return fmt.Errorf("%d check(s) failed", res.failed)
			}
			res.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Navigator.Timeout.Std())
			defer cancel()
			checkNavigator(ctx, res, cfg)

			if cfg.Access.Enabled {
				checkAccessDB(ctx, res, cfg.Access.DBPath)
			} else {
				res.warn("Access control", "disabled, requests are not limited")
			}

			enabled := 0
			for _, ch := range []struct {
				name string
				on   bool
			}{
				{"telegram", cfg.Channels.Telegram.Enabled},
				{"discord", cfg.Channels.Discord.Enabled},
				{"slack", cfg.Channels.Slack.Enabled},
				{"websocket", cfg.Channels.WebSocket.Enabled},
			} {
				if ch.on {
					enabled++
					res.pass("Channel: "+ch.name, "enabled")
				}
			}
			if enabled == 0 {
				res.warn("Channels", "none enabled, only 'navigatorbot chat' will work")
			}

			if cfg.API.Enabled {
				if err := checkAddr(cfg.API.Addr); err != nil {
					res.warn("API address", fmt.Sprintf("%s may be in use: %v", cfg.API.Addr, err))
				} else {
					res.pass("API address", cfg.API.Addr+" available")
				}
				if cfg.Access.Enabled && cfg.API.PaymentSecret == "" {
					res.warn("Payment hook", "api.paymentSecret is empty, /issue_paid_code will refuse requests")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					res.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					res.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Fprintf(out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", res.passed, res.warned, res.failed)
			if res.failed > 0 {
				fmt.Fprintf(out, "\nPlease fix the failed checks before running navigatorbot.\n")
				return fmt.Errorf("%d check(s) failed", res.failed)
			}
			fmt.Fprintf(out, "\nnavigatorbot is ready to run.\n")
			return nil
		},
	}
}

func checkNavigator(ctx context.Context, res *checkResults, cfg *config.Config) {
	client, err := newNavigatorClient(cfg)
	if err != nil {
		res.fail("NAVIGATOR server", err.Error())
		return
	}
	start := time.Now()
	if err := client.Healthy(ctx); err != nil {
		res.fail("NAVIGATOR server", fmt.Sprintf("%s: %v", client.ProcessURL(), err))
		return
	}
	res.pass("NAVIGATOR server", fmt.Sprintf("%s (%s)", client.ProcessURL(), time.Since(start).Round(time.Millisecond)))
}

func checkAccessDB(ctx context.Context, res *checkResults, dbPath string) {
	store, err := access.OpenStore(dbPath, logger)
	if err != nil {
		res.fail("Access database", err.Error())
		return
	}
	defer store.Close()

	schema, err := store.Ping(ctx)
	if err != nil {
		res.fail("Access database", err.Error())
		return
	}
	res.pass("Access database", fmt.Sprintf("%s (schema v%d)", dbPath, schema))
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
