package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/user/blepeer/logger"
)

// LevelEnv overrides the default log level when --log-level is not given.
const LevelEnv = "BLEPEER_LOG_LEVEL"

var logLevel string

func Execute() error {
	root := &cobra.Command{
		Use:          "blepeer",
		Short:        "Dual-role BLE peer sessions, on a simulated radio",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logLevel
			if level == "" {
				level = os.Getenv(LevelEnv)
			}
			logger.SetLevel(logger.ParseLevel(level))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error (default $"+LevelEnv+" or info)")

	root.AddCommand(simulateCmd(), encodeCmd(), radioCmd())
	return root.Execute()
}
