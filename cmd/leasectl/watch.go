package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"golang.org/x/sync/errgroup"

	"leasegate/pkg/models"
	"leasegate/pkg/storage/nats"
)

// cmdWatch prints lease events as JSON lines until interrupted.
func cmdWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := fs.String("nats", getenv("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	resource := fs.String("resource", "", "only events of this resource and the resources below it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, err := nats.Connect(*url)
	if err != nil {
		return err
	}
	defer pub.Close()

	patterns := []string{nats.SubjectPrefix + ".>"}
	if *resource != "" {
		subject := nats.Subject(nats.SubjectPrefix, *resource)
		patterns = []string{subject, subject + ".>"}
	}

	g, ctx := errgroup.WithContext(ctx)
	out := make(chan models.LeaseEvent)
	for _, p := range patterns {
		events, err := nats.Subscribe(ctx, pub.Conn(), p)
		if err != nil {
			return err
		}
		g.Go(func() error {
			for ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			}
			return nil
		})
	}

	enc := json.NewEncoder(os.Stdout)
	g.Go(func() error {
		for {
			select {
			case ev := <-out:
				if err := enc.Encode(ev); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}
