// Package cli implements the origincal command line interface.
package cli

import (
	"github.com/urfave/cli/v2"
)

// NewApp returns the origincal CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:            "origincal",
		Usage:           "align the tracking origins of two independently-tracked devices",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Value:   "ws://127.0.0.1:9061/state",
				Usage:   "websocket `URL` of the tracking runtime bridge",
			},
			&cli.StringFlag{
				Name:  "tuning",
				Usage: "load engine tuning overrides from a YAML `FILE`",
			},
			&cli.StringFlag{
				Name:  "store-dir",
				Usage: "directory for persisted calibrations (default: per-user config dir)",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "list tracking origins and their devices",
				Action: ShowAction,
			},
			{
				Name:  "monitor",
				Usage: "continuously print device poses per tracking origin",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Value: defaultMonitorInterval,
						Usage: "refresh `INTERVAL`",
					},
				},
				Action: MonitorAction,
			},
			{
				Name:  "calibrate",
				Usage: "calibrate by sampling two devices that move together",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "src",
						Usage:    "`SERIAL` of the source device (usually the HMD)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "dst",
						Usage:    "`SERIAL` of the destination device (usually a tracker)",
						Required: true,
					},
					&cli.BoolFlag{
						Name:    "continuous",
						Aliases: []string{"continue"},
						Usage:   "keep correcting drift after calibration; use when the devices stay firmly attached",
					},
					&cli.IntFlag{
						Name:  "samples",
						Usage: "number of correlated sample pairs to collect",
					},
				},
				Action: CalibrateAction,
			},
			{
				Name:  "continue",
				Usage: "resume drift correction from the last stored calibration, without refitting",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "src",
						Usage:    "`SERIAL` of the source device",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "dst",
						Usage:    "`SERIAL` of the destination device",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "once",
						Usage: "apply the stored calibration once and exit instead of correcting drift",
					},
				},
				Action: ContinueAction,
			},
		},
	}
}
