package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/tutu-network/corerun/internal/config"
)

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDefaultsCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate runtime configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (file + env overlay + clamping)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return withExitCode(ExitConfigError, err)
		}
		return toml.NewEncoder(os.Stdout).Encode(cfg)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Report warnings for the loaded configuration; values Load already clamped are not reported",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return withExitCode(ExitConfigError, err)
		}
		warnings := config.Validate(cfg)
		if len(warnings) == 0 {
			fmt.Println("configuration is valid")
			return nil
		}
		for _, w := range warnings {
			fmt.Printf("%s: %s\n", w.Key, w.Message)
		}
		return withExitCode(ExitConfigError, fmt.Errorf("%d configuration warning(s)", len(warnings)))
	},
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the documented default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return toml.NewEncoder(os.Stdout).Encode(config.DefaultConfig())
	},
}
