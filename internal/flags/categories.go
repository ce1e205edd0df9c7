// Package flags collects the cli.App scaffolding shared by this module's
// command-line front ends.
package flags

import "github.com/urfave/cli/v2"

const (
	TrustCategory   = "TRUST"
	DatabaseCategory = "DATABASE"
	MiscCategory    = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}

// NewApp creates an app with the flag, usage and help infrastructure
// already wired.
func NewApp(usage string) *cli.App {
	app := cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = usage
	app.Copyright = "Copyright 2026 The trustdb Authors"
	return app
}
