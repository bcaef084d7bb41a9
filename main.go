package main

import (
	"os"

	"github.com/240db/LuxCore/cmd"
	_ "github.com/240db/LuxCore/driver/nvidia"
	_ "github.com/240db/LuxCore/driver/sim"
	"github.com/urfave/cli"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "luxrays"
	app.Usage = "enumerate intersection devices and trace ray batches"
	app.Version = "0.0.1"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
		cli.StringFlag{
			Name:  "kernel-cache",
			Usage: "directory for compiled kernel binaries; kept in memory when empty",
		},
		cli.IntFlag{
			Name:  "cl-platform",
			Value: 0,
			Usage: "opencl platform index to enumerate devices from",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "list-devices",
			Usage:  "list available intersection devices",
			Action: cmd.ListDevices,
		},
		{
			Name:  "trace",
			Usage: "trace a ray batch against a built-in dataset",
			Description: `
Build a small triangle dataset, construct the acceleration structure on the
selected device and trace a batch of rays through it, reporting hit counts
and timings.`,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "device, d",
					Value: 0,
					Usage: "index of the device to trace on",
				},
				cli.IntFlag{
					Name:  "rays, r",
					Value: 1024,
					Usage: "number of rays in the batch",
				},
			},
			Action: cmd.Trace,
		},
	}

	app.Run(os.Args)
}
