// Package cmd wires up the CLI flags and runs the session daemon.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"shellbridge/api"
	"shellbridge/config"
	"shellbridge/devserver"
	"shellbridge/internal/metrics"
	"shellbridge/internal/session"
	"shellbridge/project"
	"shellbridge/remotefs"
	"shellbridge/shell"
	"shellbridge/sshconn"
	"shellbridge/util"
	"shellbridge/vcs"
)

// version is overridable at link time:
//
//	go build -ldflags "-X shellbridge/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the daemon, or a one-shot connection
// test when --test-connection is given.
func Execute(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("shellbridge", flag.ContinueOnError)

	// ── daemon ───────────────────────────────────────────────────
	var listen string
	fs.StringVar(&listen, "listen", "", "Listen address (overrides SHELLBRIDGE_LISTEN_ADDR)")
	var idleTTL, sweepInterval time.Duration
	fs.DurationVar(&idleTTL, "idle-ttl", 0, "Idle session TTL (overrides SHELLBRIDGE_IDLE_TTL)")
	fs.DurationVar(&sweepInterval, "sweep-interval", 0, "Idle sweep interval (overrides SHELLBRIDGE_SWEEP_INTERVAL)")

	// ── one-shot test ────────────────────────────────────────────
	var testSpec, keyPath string
	var promptPass bool
	fs.StringVar(&testSpec, "test-connection", "", "Test SSH connectivity to [user@]host[:port] and exit")
	fs.StringVar(&keyPath, "key", "", "SSH private key file (with --test-connection)")
	fs.BoolVar(&promptPass, "password-prompt", false, "Prompt for SSH password (with --test-connection)")

	// ── output ───────────────────────────────────────────────────
	var verbose int
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("shellbridge %s\n", version)
		return nil
	}

	logger := util.NewLogger(verbose + 1) // 0 flags = normal

	if testSpec != "" {
		return runTest(ctx, logger, testSpec, keyPath, promptPass)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	if listen != "" {
		settings.ListenAddr = listen
	}
	if idleTTL > 0 {
		settings.IdleTTL = idleTTL
	}
	if sweepInterval > 0 {
		settings.SweepInterval = sweepInterval
	}

	return serve(ctx, settings, logger)
}

// serve assembles every component and runs the HTTP daemon until the
// context is cancelled.
func serve(ctx context.Context, settings *config.Settings, logger *util.Logger) error {
	m := metrics.New()

	registry := session.NewRegistry(settings.IdleTTL, settings.SweepInterval, logger, m)
	go registry.Start(ctx)
	defer registry.CloseAll()

	executor := shell.NewExecutor(registry, logger, m)
	establisher := sshconn.New(registry, logger, m)
	files := remotefs.New(executor, logger)
	trees := vcs.NewClient(settings.VCSAPIBase, settings.VCSToken)
	dev := devserver.NewManager(executor, logger)

	templates, err := project.NewRegistry(settings.TemplateFile)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}
	projects := project.NewInitializer(templates, executor, logger)

	server := api.New(registry, establisher, executor, files, projects, dev, trees, logger, m)

	httpSrv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s (idle TTL %s, sweep every %s)",
			settings.ListenAddr, settings.IdleTTL, settings.SweepInterval)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

// runTest performs the ephemeral connect-probe-disconnect cycle from
// the command line.  Credentials come from the key file or an
// interactive password prompt; the SSH agent is tried as a fallback.
func runTest(ctx context.Context, logger *util.Logger, spec, keyPath string, promptPass bool) error {
	user, host, port, err := config.ParseHostSpec(spec)
	if err != nil {
		return err
	}
	if user == "" {
		user = os.Getenv("USER")
	}

	params := &config.ConnectParams{Host: host, Port: port}
	params.Username = user

	if keyPath != "" {
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		params.PrivateKey = string(pem)
	}
	if promptPass {
		fmt.Fprintf(os.Stderr, "Password for %s@%s: ", user, host)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		params.Password = string(pw)
	}
	if params.Password == "" && params.PrivateKey == "" {
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("no credentials: use --key, --password-prompt, or an SSH agent")
		}
		params.AllowAgent = true
	}

	establisher := sshconn.New(session.NewRegistry(time.Minute, time.Minute, logger, nil), logger, nil)
	info, err := establisher.Test(ctx, params)
	if err != nil {
		return err
	}
	fmt.Printf("OK %s@%s:%d\n%s\n", user, host, port, info)
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `shellbridge %s

Remote-execution session daemon: persistent SSH sessions with tracked
working directories, file operations, project scaffolding, dev-server
management, and port forwarding behind one dispatch endpoint.

Usage:
  shellbridge [options]                         Run the daemon
  shellbridge --test-connection user@host       Probe connectivity

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  SHELLBRIDGE_LISTEN_ADDR      Listen address (default :8080)
  SHELLBRIDGE_IDLE_TTL         Idle session TTL (default 15m)
  SHELLBRIDGE_SWEEP_INTERVAL   Idle sweep interval (default 5m)
  SHELLBRIDGE_VCS_API_BASE     Tree API base for directory listing
  SHELLBRIDGE_VCS_TOKEN        Tree API bearer token
  SHELLBRIDGE_TEMPLATE_FILE    YAML overlay for project templates
`)
}
