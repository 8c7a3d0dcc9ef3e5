package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

const serviceName = "livechat-engine"

var version = "dev"

func main() {
	app := &cli.App{
		Name:    serviceName,
		Usage:   "Live chat assignment engine",
		Version: version,
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			resyncCmd(),
			issueTokenCmd(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
