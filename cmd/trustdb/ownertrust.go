package main

import (
	"os"

	"github.com/urfave/cli/v2"
)

var commandExportOwnertrust = &cli.Command{
	Name:  "export-ownertrust",
	Usage: "print all assigned ownertrust values",
	Description: `
Write the assigned ownertrust values as "fingerprint:value:" lines to
standard output. The output can be fed back via import-ownertrust.`,
	Flags: []cli.Flag{dbFlag},
	Action: func(ctx *cli.Context) error {
		db := openTrustDB(ctx.String(dbFlag.Name), false)
		defer db.Close()
		return db.ExportOwnertrust(os.Stdout)
	},
}

var commandImportOwnertrust = &cli.Command{
	Name:      "import-ownertrust",
	Usage:     "restore assigned ownertrust values",
	ArgsUsage: "[<file>]",
	Description: `
Read "fingerprint:value:" lines from the given file (or standard input)
and assign the ownertrust values to the matching keys. Keys that are not
in the trust database are skipped; inserting them needs the hosting
application's keyring.`,
	Flags: []cli.Flag{dbFlag, createFlag},
	Action: func(ctx *cli.Context) error {
		db := openTrustDB(ctx.String(dbFlag.Name), ctx.Bool(createFlag.Name))
		defer db.Close()
		return db.ImportOwnertrust(ctx.Args().First())
	},
}
