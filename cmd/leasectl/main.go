// Command leasectl talks to a leasegated API, runs commands under a lease and
// watches lease events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"leasegate/pkg/auth"
	"leasegate/pkg/logger"
)

const usage = `usage: leasectl <command> [flags]

commands:
  lock      acquire a slot of a resource through the API
  unlock    release the slot held for a resource
  cancel    abort a pending lock on a resource
  holders   list current lease holders
  history   show recorded lease events
  run       run a command while holding a slot (connects to the coordination service directly)
  watch     stream lease events from NATS
  token     mint a JWT for the API

Environment: LEASEGATE_URL, LEASEGATE_TOKEN`

// exitError carries a process exit code through run.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	logCfg := logger.DefaultConfig("leasectl")
	logCfg.Encoding = "console"
	logCfg.OutputPath = "stderr"
	logCfg.Level = getenv("LOG_LEVEL", "warn")
	if _, err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := dispatch(ctx, os.Args[1], os.Args[2:])
	stop()

	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case err != nil:
		logger.Error("command failed", zap.String("command", os.Args[1]), zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "lock":
		return cmdLock(ctx, args)
	case "unlock":
		return cmdUnlock(ctx, args)
	case "cancel":
		return cmdCancel(ctx, args)
	case "holders":
		return cmdHolders(ctx, args)
	case "history":
		return cmdHistory(ctx, args)
	case "run":
		return cmdRun(ctx, args)
	case "watch":
		return cmdWatch(ctx, args)
	case "token":
		return cmdToken(args)
	case "help", "-h", "--help":
		fmt.Println(usage)
		return nil
	default:
		fmt.Fprintln(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "signing secret")
	user := fs.String("user", "", "user id")
	name := fs.String("name", "", "display name, defaults to the user id")
	role := fs.String("role", string(auth.RoleOperator), "admin, operator or viewer")
	scopes := fs.String("scopes", "", "comma separated resource prefixes, empty allows all")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("-user is required")
	}
	if *name == "" {
		*name = *user
	}

	svc, err := auth.NewJWTService(auth.JWTConfig{SecretKey: *secret, TokenExpiry: *ttl})
	if err != nil {
		return err
	}
	token, err := svc.GenerateToken(*user, *name, auth.Role(*role), splitList(*scopes))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
