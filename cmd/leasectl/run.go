package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	config "leasegate/configs"
	"leasegate/pkg/coordination"
	"leasegate/pkg/coordination/etcd"
	"leasegate/pkg/executor"
	"leasegate/pkg/executor/runner"
	"leasegate/pkg/lock"
	"leasegate/pkg/logger"
	"leasegate/pkg/resilience"
)

// cmdRun holds a slot of a resource for the lifetime of a local command.
// It connects to etcd itself, using the same environment as leasegated.
func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	resource := fs.String("resource", "", "resource path")
	maxConcurrency := fs.Int("max-concurrency", 1, "number of concurrent holders")
	timeout := fs.Duration("timeout", time.Minute, "how long to wait for a slot, 0 waits forever")
	ephemeral := fs.Bool("ephemeral", true, "free the slot if this process dies")
	identifier := fs.String("identifier", "", "lease payload, defaults to the host name")
	runTimeout := fs.Duration("run-timeout", 0, "kill the command after this long, 0 is unbounded")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: leasectl run -resource /locks/x [flags] -- command [args...]")
	}

	cfg := config.LoadConfig()
	log := logger.Get()

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.Logger = log
	clientCfg := coordination.DefaultClientConfig(cfg.EtcdEndpoints)
	clientCfg.ConnectAttempts = cfg.ConnectAttempts
	clientCfg.RetryInterval = cfg.RetryInterval
	clientCfg.Breaker = resilience.NewCircuitBreaker("coordination", breakerCfg)
	clientCfg.Logger = log
	client := coordination.NewClient(etcd.NewDialer(etcd.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: cfg.DialTimeout,
		SessionTTL:  cfg.SessionTTL,
		Username:    cfg.EtcdUsername,
		Password:    cfg.EtcdPassword,
	}), clientCfg)

	id := *identifier
	if id == "" {
		id = executor.DefaultIdentifier(ctx)
	}
	manager := lock.NewManager(client,
		lock.WithLogger(log),
		lock.WithIdentifier(id),
		lock.WithRetryInterval(cfg.RetryInterval),
	)
	defer func() { _ = manager.Close(context.Background()) }()

	cmd := runner.Command{Name: fs.Arg(0), Args: fs.Args()[1:]}
	if fs.NArg() == 1 {
		cmd = runner.Shell(fs.Arg(0))
	}
	cmd.Env = []string{"LEASEGATE_RESOURCE=" + *resource, "LEASEGATE_IDENTIFIER=" + id}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	res, err := executor.NewGuard(manager, nil, log).Run(ctx, executor.RunRequest{
		Lock: lock.LockRequest{
			Resource:       *resource,
			MaxConcurrency: *maxConcurrency,
			Timeout:        *timeout,
			EphemeralLease: *ephemeral,
			Identifier:     id,
		},
		Command:    cmd,
		RunTimeout: *runTimeout,
	})
	if err != nil {
		return err
	}
	if !res.Ran {
		os.Stderr.WriteString(res.Lock.Comment + "\n")
		return exitError{code: 3}
	}
	if res.Result.ExitCode != 0 {
		code := res.Result.ExitCode
		if code < 0 {
			code = 1
		}
		return exitError{code: code}
	}
	return nil
}
