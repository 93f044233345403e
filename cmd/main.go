package main

import (
	"fmt"
	"os"

	"relay-call/pkg/logger"
	"relay-call/pkg/system"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relay-call",
	Short: "Chunked audio calls over a room relay or a direct WebRTC link",
	Long: `relay-call captures microphone audio, splits each frame into fragments
small enough for the transport and rebuilds what other participants send.

When a mixer is present in the room the client first hands it the public
key materials from the keys directory and only starts capturing after the
mixer acknowledges them.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadEnv()
		logger.InitLogger()
	},
}

// loadEnv loads environment variables from a .env file if not already set
func loadEnv() {
	if os.Getenv("LOG_LEVEL") == "" { // means .env not loaded
		if err := system.LoadEnv(".env"); err != nil {
			log.Debug().Err(err).Msg("No .env file loaded")
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $CALL_CONFIG)")
	rootCmd.AddCommand(callCmd, relayCmd, keysCmd, stunCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
