package main

import (
	"os"
	"strconv"

	"github.com/gpgtrust/trustdb/cmd/utils"
	"github.com/gpgtrust/trustdb/store"
	"github.com/urfave/cli/v2"
)

var commandList = &cli.Command{
	Name:      "list",
	Usage:     "list trust database records",
	ArgsUsage: "[#<lid>]",
	Description: `
Dump every record of the trust database, or - given a "#<lid>" argument -
the records and signature tree of a single key.`,
	Flags: []cli.Flag{dbFlag},
	Action: func(ctx *cli.Context) error {
		db := openTrustDB(ctx.String(dbFlag.Name), false)
		defer db.Close()
		return db.ListTrustDB(os.Stdout, ctx.Args().First())
	},
}

var commandInspect = &cli.Command{
	Name:      "inspect",
	Usage:     "dump a single trust record",
	ArgsUsage: "<recnum>",
	Description: `
Print the raw contents of one record, whatever its type.`,
	Flags: []cli.Flag{dbFlag},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			utils.Fatalf("A record number is required")
		}
		recnum, err := strconv.ParseUint(ctx.Args().First(), 10, 64)
		if err != nil {
			utils.Fatalf("Bad record number %q: %v", ctx.Args().First(), err)
		}
		db := openTrustDB(ctx.String(dbFlag.Name), false)
		defer db.Close()
		rec, err := db.Store().TryRead(recnum, store.TypeAny)
		if err != nil {
			utils.Fatalf("Record %d: %v", recnum, err)
		}
		store.DumpRecord(rec, os.Stdout)
		return nil
	},
}
