// Package main is the origincal tracking-origin calibration tool.
package main

import (
	"context"

	"go.viam.com/utils"

	"github.com/origincal/origincal/cli"
	"github.com/origincal/origincal/logging"
)

var logger = logging.NewLogger("origincal")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	return cli.NewApp().RunContext(ctx, args)
}
