// ABOUTME: Operator CLI for inspecting and driving gateway connections
// ABOUTME: Talks the gateway websocket protocol directly using the admin's device identity

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/openclaw"
)

const connectTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	color.NoColor = color.NoColor || !cfg.Output.Color

	switch cmd {
	case "connections":
		err = cmdConnections(ctx, cfg)
	case "sessions":
		err = cmdSessions(ctx, cfg)
	case "history":
		err = cmdHistory(ctx, cfg, args)
	case "send":
		err = cmdSend(ctx, cfg, args)
	case "kill":
		err = cmdKill(ctx, cfg, args)
	case "cron":
		err = cmdCron(ctx, cfg, args)
	case "watch":
		err = cmdWatch(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: crewhub-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  connections               Show gateway connection status")
	fmt.Println("  sessions                  List sessions on the gateway")
	fmt.Println("  history <key> [--limit N] Show session history")
	fmt.Println("  send <key> <message>      Send a message and print the reply")
	fmt.Println("  kill <key>                Terminate a session")
	fmt.Println("  cron list [--all]         List cron jobs")
	fmt.Println("  cron enable <id>          Enable a cron job")
	fmt.Println("  cron disable <id>         Disable a cron job")
	fmt.Println("  cron run <id> [--force]   Trigger a cron job now")
	fmt.Println("  watch                     Stream session updates until interrupted")
	fmt.Println()
	yellow.Println("Configuration:")
	fmt.Printf("  %s\n", configPath())
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CREWHUB_GATEWAY_URL       Gateway websocket URL (ws:// or wss://)")
	fmt.Println("  CREWHUB_GATEWAY_TOKEN     Gateway auth token")
	fmt.Println("  CREWHUB_ADMIN_CONFIG      Override config file path")
	fmt.Println()
}

// dial builds a one-shot gateway connection for a single command.
func dial(ctx context.Context, cfg *Config) (*openclaw.Connection, func(), error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("CREWHUB_ADMIN_DEBUG") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	conn, err := openclaw.New("admin", "admin", map[string]any{
		"url":            cfg.Gateway.URL,
		"token":          cfg.Gateway.Token,
		"auto_reconnect": false,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := conn.Connect(dialCtx); err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", cfg.Gateway.URL, err)
	}

	oc := conn.(*openclaw.Connection)
	cleanup := func() {
		disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = oc.Disconnect(disconnectCtx)
	}
	return oc, cleanup, nil
}

func cmdConnections(ctx context.Context, cfg *Config) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	conn, cleanup, err := dial(ctx, cfg)
	if err != nil {
		yellow.Printf("  Gateway:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	defer cleanup()

	green.Printf("  Gateway:  ")
	fmt.Printf("connected to %s\n", cfg.Gateway.URL)

	detail := conn.StatusDetail(ctx)
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-9s %v\n", k+":", detail[k])
	}
	return nil
}

func cmdSessions(ctx context.Context, cfg *Config) error {
	conn, cleanup, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	sessions, err := conn.Sessions(ctx)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tLABEL\tMODEL\tSTATUS\tLAST ACTIVITY")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.Key, s.Label, s.Model, s.Status, formatMillis(s.LastActivity))
	}
	return w.Flush()
}

func cmdHistory(ctx context.Context, cfg *Config, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum messages to show")
	key, rest, err := popArg(args, "session key")
	if err != nil {
		return err
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}

	conn, cleanup, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	messages, err := conn.History(ctx, key, *limit)
	if err != nil {
		return err
	}

	roleColor := map[string]*color.Color{
		"user":      color.New(color.FgGreen),
		"assistant": color.New(color.FgCyan),
		"tool":      color.New(color.FgYellow),
	}
	for _, m := range messages {
		c, ok := roleColor[m.Role]
		if !ok {
			c = color.New(color.FgWhite)
		}
		c.Printf("%-9s ", m.Role)
		if m.Timestamp > 0 {
			color.New(color.FgHiBlack).Printf("%s ", formatMillis(m.Timestamp))
		}
		fmt.Println(strings.TrimRight(m.Content, "\n"))
	}
	return nil
}

func cmdSend(ctx context.Context, cfg *Config, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 120*time.Second, "how long to wait for the reply")
	key, rest, err := popArg(args, "session key")
	if err != nil {
		return err
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: crewhub-admin send <key> <message>")
	}
	message := strings.Join(fs.Args(), " ")

	conn, cleanup, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	reply, err := conn.SendMessage(ctx, key, message, *timeout)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

func cmdKill(ctx context.Context, cfg *Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: crewhub-admin kill <key>")
	}
	key := args[0]

	conn, cleanup, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	killed, err := conn.KillSession(ctx, key)
	if err != nil {
		return err
	}
	if !killed {
		fmt.Printf("session %s not found\n", key)
		return nil
	}
	color.Green("killed %s\n", key)
	return nil
}

func cmdCron(ctx context.Context, cfg *Config, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	conn, cleanup, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	switch subcmd {
	case "list", "ls":
		fs := flag.NewFlagSet("cron list", flag.ContinueOnError)
		all := fs.Bool("all", false, "include disabled jobs")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return cronList(ctx, conn, *all)
	case "enable":
		if len(args) < 1 {
			return fmt.Errorf("usage: crewhub-admin cron enable <id>")
		}
		if !conn.EnableCronJob(ctx, args[0]) {
			return fmt.Errorf("enabling job %s failed", args[0])
		}
		color.Green("enabled %s\n", args[0])
		return nil
	case "disable":
		if len(args) < 1 {
			return fmt.Errorf("usage: crewhub-admin cron disable <id>")
		}
		if !conn.DisableCronJob(ctx, args[0]) {
			return fmt.Errorf("disabling job %s failed", args[0])
		}
		color.Green("disabled %s\n", args[0])
		return nil
	case "run":
		fs := flag.NewFlagSet("cron run", flag.ContinueOnError)
		force := fs.Bool("force", false, "run even when disabled")
		if len(args) < 1 {
			return fmt.Errorf("usage: crewhub-admin cron run <id> [--force]")
		}
		jobID := args[0]
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if !conn.RunCronJob(ctx, jobID, *force) {
			return fmt.Errorf("running job %s failed", jobID)
		}
		color.Green("triggered %s\n", jobID)
		return nil
	default:
		return fmt.Errorf("unknown cron subcommand: %s (use list, enable, disable, run)", subcmd)
	}
}

func cronList(ctx context.Context, conn *openclaw.Connection, includeDisabled bool) error {
	jobs, err := conn.ListCronJobs(ctx, includeDisabled)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no cron jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tTARGET")
	for _, j := range jobs {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", j["id"], j["name"], j["enabled"], j["sessionTarget"])
	}
	return w.Flush()
}

func cmdWatch(ctx context.Context, cfg *Config) error {
	conn, cleanup, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	gray := color.New(color.FgHiBlack)
	gray.Println("watching session updates (ctrl-c to stop)")

	unsubscribe := conn.OnSessionUpdate(func(s connection.Session) {
		fmt.Printf("%s %s", time.Now().Format("15:04:05"), s.Key)
		if s.Label != "" {
			fmt.Printf("  %s", s.Label)
		}
		if s.Status != "" {
			color.New(color.FgYellow).Printf("  [%s]", s.Status)
		}
		fmt.Println()
	})
	defer unsubscribe()

	<-ctx.Done()
	fmt.Println()
	return nil
}

// popArg extracts the leading positional argument before flag parsing, so
// flags can appear after the key.
func popArg(args []string, name string) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, fmt.Errorf("missing %s argument", name)
	}
	return args[0], args[1:], nil
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
