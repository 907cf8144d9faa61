package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

//nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	urlFlag = &cli.StringFlag{
		Name:    "url",
		Usage:   "base url of the offer engine",
		Value:   "http://localhost:8080",
		EnvVars: []string{"OFFERCTL_URL"},
	}
	actorFlag = &cli.StringFlag{
		Name:    "actor",
		Usage:   "party id sent as X-Actor",
		EnvVars: []string{"OFFERCTL_ACTOR"},
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "offerctl"
	app.Usage = "Command line client for the offer negotiation engine"
	app.Version = fmt.Sprintf("%s (%s, %s)", version, commit, date)
	app.Flags = []cli.Flag{urlFlag, actorFlag}
	app.Commands = append(
		cli.Commands{},
		offerCmd,
		listingCmd,
		partyCmd,
		clusterCmd,
	)
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
