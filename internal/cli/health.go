package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tutu-network/corerun/internal/domain"
)

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(readyCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run a full health check against a running daemon",
	RunE:  runHealthCheck(domain.HealthFull),
}

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Check liveness against a running daemon",
	RunE:  runHealthCheck(domain.HealthLiveness),
}

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Check readiness against a running daemon",
	RunE:  runHealthCheck(domain.HealthReadiness),
}

func runHealthCheck(checkType domain.HealthCheckType) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return withExitCode(ExitConfigError, err)
		}
		c, err := dial(cfg, authToken())
		if err != nil {
			return withExitCode(ExitConnectionErr, err)
		}
		defer c.Close()

		resp, err := c.roundTrip(&domain.Envelope{
			Type:        domain.MsgHealthCheck,
			HealthCheck: &domain.HealthCheckMsg{CheckType: checkType},
		})
		if err != nil {
			return withExitCode(ExitConnectionErr, err)
		}
		if resp.Type == domain.MsgError {
			return withExitCode(ExitUnhealthy, fmt.Errorf("%s", resp.Error.Message))
		}
		if resp.HealthResponse == nil || !resp.HealthResponse.Ok {
			return withExitCode(ExitUnhealthy, fmt.Errorf("%s check failed", checkType))
		}

		fmt.Printf("%s: ok\n", checkType)
		for k, v := range resp.HealthResponse.Report {
			fmt.Printf("  %s: %s\n", k, v)
		}
		return nil
	}
}
