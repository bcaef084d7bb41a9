package cmd

import (
	"github.com/urfave/cli"

	"github.com/240db/LuxCore/core"
	"github.com/240db/LuxCore/log"
)

var logger = log.New("luxrays")

func setupLogging(ctx *cli.Context) {
	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}

	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}

// Core settings from the global CLI flags.
func coreConfig(ctx *cli.Context) core.Config {
	return core.Config{
		KernelCacheDir:      ctx.GlobalString("kernel-cache"),
		OpenCLPlatformIndex: ctx.GlobalInt("cl-platform"),
	}
}
