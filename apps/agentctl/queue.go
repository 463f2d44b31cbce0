package main

import (
	"context"
	"fmt"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/syncq"
)

func (cli *commandLine) pending(ctx context.Context, kind core.Kind) error {
	var (
		mutations []syncq.PendingMutation
		err       error
	)
	if kind != "" {
		if !kind.Valid() {
			return fmt.Errorf("unknown mutation kind %q", kind)
		}
		mutations, err = cli.queue.GetPending(ctx, kind)
	} else {
		mutations, err = cli.queue.All(ctx)
	}
	if err != nil {
		return err
	}

	if len(mutations) == 0 {
		fmt.Fprintln(cli.out, "no pending mutations")
		return nil
	}
	for _, m := range mutations {
		fmt.Fprintf(cli.out, "%s  %-16s  user=%s  created=%s\n",
			m.ID, m.Kind, m.UserID, m.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(cli.out, "%d pending mutation(s)\n", len(mutations))
	return nil
}

func (cli *commandLine) drain(ctx context.Context) error {
	results := cli.queue.Drain(ctx, "cli")
	for _, res := range results {
		fmt.Fprintf(cli.out, "%-16s  replayed=%d  failed=%d\n", res.Kind, res.Success, res.Failures)
	}
	return nil
}
