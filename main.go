package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/openshift-hive/bundle-gen/internal/cli"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := cli.Root().ExecuteContext(context.Background()); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
