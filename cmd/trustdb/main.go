// trustdb is a standalone inspection and maintenance tool for the trust
// database: it lists records and signature trees, dumps single records and
// exports or restores the assigned ownertrust values. Operations that need
// the public keyring (trust evaluation, keyblock reconciliation) live in
// the hosting application, which wires a real keyring and signature
// verifier into the trustgraph package.
package main

import (
	"fmt"
	"os"

	"github.com/gpgtrust/trustdb/internal/flags"
	"github.com/urfave/cli/v2"
)

// Git SHA1 commit hash of the release (set via linker flags)
var gitCommit = ""

var app *cli.App

func init() {
	app = flags.NewApp("the trust database maintenance tool")
	app.Version = version(gitCommit)
	app.Commands = []*cli.Command{
		commandList,
		commandInspect,
		commandExportOwnertrust,
		commandImportOwnertrust,
	}
}

// Commonly used command line flags.
var (
	dbFlag = &cli.StringFlag{
		Name:     "db",
		Usage:    "path of the trust database",
		Value:    "trustdb",
		Category: flags.DatabaseCategory,
	}
	createFlag = &cli.BoolFlag{
		Name:     "create",
		Usage:    "create the trust database if it does not exist",
		Category: flags.DatabaseCategory,
	}
)

func version(commit string) string {
	if len(commit) >= 8 {
		return "1.0.0-" + commit[:8]
	}
	return "1.0.0"
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
