package main

import (
	"context"
	"fmt"

	"github.com/tathmini/tathmini/core"
)

func (cli *commandLine) purgeCache(ctx context.Context) error {
	if err := cli.cache.Evict(ctx); err != nil {
		return err
	}
	stats, err := cli.cache.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "cache holds %d entries after eviction\n", stats.TotalEntries)
	return nil
}

func (cli *commandLine) discardSession(ctx context.Context, userID, testID string) error {
	key := userID + "|" + testID
	if _, err := cli.store.Get(ctx, core.SessionCollection, key); err != nil {
		if err == core.ErrKeyNotFound {
			return fmt.Errorf("no local session for user %q test %q", userID, testID)
		}
		return err
	}
	if err := cli.store.Delete(ctx, core.SessionCollection, key); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "discarded session for user %q test %q\n", userID, testID)
	return nil
}
