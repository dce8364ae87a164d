package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fangate/fangate/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default fangate.yaml to the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		const path = "fangate.yaml"
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		data, err := config.ExampleYAML()
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing fangate.yaml")
	rootCmd.AddCommand(initCmd)
}
