package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tutu-network/corerun/internal/domain"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print runtime metrics from a running daemon",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}
	c, err := dial(cfg, authToken())
	if err != nil {
		return withExitCode(ExitConnectionErr, err)
	}
	defer c.Close()

	resp, err := c.roundTrip(&domain.Envelope{Type: domain.MsgMetricsRequest, MetricsRequest: &domain.MetricsRequest{}})
	if err != nil {
		return withExitCode(ExitConnectionErr, err)
	}
	if resp.Type == domain.MsgError {
		return withExitCode(ExitUnhealthy, fmt.Errorf("%s", resp.Error.Message))
	}

	m := resp.MetricsResponse
	printSorted("counters", m.Counters)
	printSorted("histograms", m.Histograms)
	return nil
}

func printSorted(section string, values map[string]float64) {
	fmt.Println(section + ":")
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s = %v\n", k, values[k])
	}
}
