package main

import (
	"errors"

	sqlitestore "github.com/tathmini/tathmini/storage/store/sqlite"
)

var (
	gooseRunFunc = sqlitestore.RunGoose // mockable

	errMemoryStore = errors.New("migrate requires the sqlite store engine")
)

func (cli *commandLine) migrate(args []string) error {
	store, ok := cli.store.(*sqlitestore.Store)
	if !ok {
		return errMemoryStore
	}
	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}
	return gooseRunFunc(args[0], store.DB(), rest...)
}
