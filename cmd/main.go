package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"hedgesystem/cmd/coordinator"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Hedgesystem CMD"
	app.Usage = "The hedgesystem command line interface"

	app.Commands = []cli.Command{
		coordinatorCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	coordinatorCMD = cli.Command{
		Name:        "coordinator",
		Usage:       "run Coordinator",
		Action:      coordinatorAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the position coordination service`,
	}
)

func coordinatorAction(_ *cli.Context) error {

	logrus.Info("Starting coordinator CMD")
	logrus.WithField("cmd", "coordinator")

	coord := &coordinator.Coordinator{}
	err := coord.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}
