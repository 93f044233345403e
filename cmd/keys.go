package main

import (
	"fmt"
	"path/filepath"

	"relay-call/internal/transform"
	"relay-call/pkg/config"

	"github.com/spf13/cobra"
)

var keysDir string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage local key material",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a new frame key for end-to-end frame sealing",
	Long: `Write a random 32-byte frame key into the keys directory. Every
participant of a call needs the same frame key; share it out of band.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := keysDir
		if dir == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			dir = cfg.KeysDir
		}
		if err := transform.GenerateFrameKey(dir); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Wrote", filepath.Join(dir, transform.FrameKeyFile))
		return nil
	},
}

func init() {
	keysGenerateCmd.Flags().StringVar(&keysDir, "dir", "", "keys directory (default from config)")
	keysCmd.AddCommand(keysGenerateCmd)
}
