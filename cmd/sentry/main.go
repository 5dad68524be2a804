// Package main launches the sentry: a long-running process that observes
// EL/CL heads, fetches execution witnesses, requests zk proofs, and
// relays completed proofs back to every zk-enabled CL.
package main

import (
	"context"
	"os"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/eth-act/zkboost-sentry/config"
	"github.com/eth-act/zkboost-sentry/node"
)

var log = logrus.WithField("prefix", "main")

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "path to the sentry's TOML configuration file",
	Value: "config.toml",
}

func startSentry(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String(configFlag.Name))
	if err != nil {
		return err
	}

	sentry, err := node.New(context.Background(), cfg)
	if err != nil {
		return err
	}
	return sentry.Start()
}

func main() {
	app := cli.NewApp()
	app.Name = "sentry"
	app.Usage = "runs the execution-witness sentry and proof relayer"
	app.Flags = []cli.Flag{configFlag}
	app.Action = startSentry

	defer func() {
		if x := recover(); x != nil {
			log.Errorf("runtime panic: %v\n%v", x, string(debug.Stack()))
			panic(x)
		}
	}()

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("sentry exited with an error")
		os.Exit(1)
	}
}
