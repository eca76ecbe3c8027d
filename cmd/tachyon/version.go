package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tachyonhq/tachyon/internal/update"
	"github.com/tachyonhq/tachyon/internal/version"
)

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.Info())
		if !versionCheck {
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		info, err := update.NewChecker().CheckWithCache(ctx)
		if err != nil {
			return fmt.Errorf("checking for updates: %w", err)
		}
		if info.UpdateAvailable {
			fmt.Printf("A newer version is available: %s (%s)\n", info.LatestVersion, info.ReleaseURL)
		} else {
			fmt.Println("You are running the latest version.")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "check GitHub for a newer release")
}
