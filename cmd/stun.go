package main

import (
	"errors"
	"fmt"
	"time"

	"relay-call/pkg/config"

	"github.com/spf13/cobra"
)

var stunTimeout time.Duration

var stunCmd = &cobra.Command{
	Use:   "stun",
	Short: "Check that the configured STUN servers answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if len(cfg.ICE.STUN) == 0 {
			return errors.New("no STUN servers configured (set STUN_SERVERS)")
		}
		n := cfg.ICE.CheckStunServers(cmd.Context(), stunTimeout)
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d STUN servers reachable\n", n, len(cfg.ICE.STUN))
		if n == 0 {
			return errors.New("no STUN server reachable")
		}
		return nil
	},
}

func init() {
	stunCmd.Flags().DurationVar(&stunTimeout, "timeout", 5*time.Second, "per server timeout")
}
