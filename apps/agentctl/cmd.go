package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/cache"
	"github.com/tathmini/tathmini/core/syncq"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	store core.KVStore
	queue *syncq.Service
	cache *cache.Service
	out   io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS...]               - run a store schema command (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  pending [-kind KIND]                    - list mutations waiting for sync")
	fmt.Fprintln(cli.out, "  drain                                   - replay all pending mutations now")
	fmt.Fprintln(cli.out, "  purge-cache                             - run a full cache eviction pass")
	fmt.Fprintln(cli.out, "  discard-session -user USER -test TEST   - drop a stuck local session snapshot")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	ctx := context.Background()

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "pending":
		pendingCmd := flag.NewFlagSet("pending", flag.ExitOnError)
		kind := pendingCmd.String("kind", "", "Only list mutations of this kind.")
		if err := pendingCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.pending(ctx, core.Kind(*kind))

	case "drain":
		return cli.drain(ctx)

	case "purge-cache":
		return cli.purgeCache(ctx)

	case "discard-session":
		discardCmd := flag.NewFlagSet("discard-session", flag.ExitOnError)
		userID := discardCmd.String("user", "", "The session's user ID.")
		testID := discardCmd.String("test", "", "The session's test ID.")
		if err := discardCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *userID == "" || *testID == "" {
			discardCmd.Usage()
			return errHelp
		}
		return cli.discardSession(ctx, *userID, *testID)

	default:
		cli.printUsage()
		return errHelp
	}
}
