package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tutu-network/corerun/internal/store"
)

func init() {
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsLoadCmd)
	modelsCmd.AddCommand(modelsUnloadCmd)
	modelsCmd.AddCommand(modelsInfoCmd)
	rootCmd.AddCommand(modelsCmd)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect and manage loaded models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List manifests the registry has resolved before",
	RunE:  runModelsList,
}

var modelsInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show manifest details for one model",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsInfo,
}

var modelsLoadCmd = &cobra.Command{
	Use:   "load <name> <manifest-path>",
	Short: "Load a model, swapping it in if the name is already routed",
	Args:  cobra.ExactArgs(2),
	RunE:  runModelsLoad,
}

var modelsUnloadCmd = &cobra.Command{
	Use:   "unload <name>",
	Short: "Drain and unload a routed model",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsUnload,
}

// runModelsList reads the manifest cache directly from disk: spec §4.13
// promises this command works without a running daemon.
func runModelsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}
	db, err := store.Open(cfg.StoreDir)
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}
	defer db.Close()

	records, err := db.ScanManifests(cfg.StoreDir)
	if err != nil {
		return withExitCode(ExitUnhealthy, err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tDISCOVERED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.Name, r.SizeBytes, r.DiscoveredAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runModelsInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}
	db, err := store.Open(cfg.StoreDir)
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}
	defer db.Close()

	rec, err := db.GetManifest(args[0])
	if err != nil {
		return withExitCode(ExitUnhealthy, err)
	}
	if rec == nil {
		return withExitCode(ExitUnhealthy, fmt.Errorf("no manifest recorded for %q", args[0]))
	}
	fmt.Printf("name: %s\npath: %s\nsize_bytes: %d\ndiscovered_at: %s\n", rec.Name, rec.Path, rec.SizeBytes, rec.DiscoveredAt.Format(time.RFC3339))

	swaps, err := db.ListSwaps(args[0], 5)
	if err == nil && len(swaps) > 0 {
		fmt.Println("recent swaps:")
		for _, s := range swaps {
			fmt.Printf("  %s: %s (started %s)\n", s.SwapId, s.Outcome, s.StartedAt.Format(time.RFC3339))
		}
	}
	return nil
}

func runModelsLoad(cmd *cobra.Command, args []string) error {
	name, manifestPath := args[0], args[1]
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}

	body, _ := json.Marshal(map[string]string{"manifest_path": manifestPath})
	url := fmt.Sprintf("http://%s/admin/models/%s", cfg.DebugAddress, name)
	resp, err := httpPostJSON(url, body)
	if err != nil {
		return withExitCode(ExitConnectionErr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		// Already routed: fall back to a swap instead of an initial load.
		swapBody, _ := json.Marshal(map[string]any{"model_name": name, "manifest_path": manifestPath, "drain_timeout_ms": 30000})
		swapResp, err := httpPostJSON(fmt.Sprintf("http://%s/admin/swap", cfg.DebugAddress), swapBody)
		if err != nil {
			return withExitCode(ExitConnectionErr, err)
		}
		defer swapResp.Body.Close()
		if swapResp.StatusCode != http.StatusOK {
			return withExitCode(ExitUnhealthy, fmt.Errorf("swap failed: status %d", swapResp.StatusCode))
		}
		fmt.Printf("%s: swapped\n", name)
		return nil
	}
	if resp.StatusCode != http.StatusCreated {
		return withExitCode(ExitUnhealthy, fmt.Errorf("load failed: status %d", resp.StatusCode))
	}
	fmt.Printf("%s: loaded\n", name)
	return nil
}

func runModelsUnload(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("http://%s/admin/models/%s", cfg.DebugAddress, name), nil)
	if err != nil {
		return withExitCode(ExitUnhealthy, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return withExitCode(ExitConnectionErr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return withExitCode(ExitUnhealthy, fmt.Errorf("unload failed: status %d", resp.StatusCode))
	}
	fmt.Printf("%s: unloaded\n", name)
	return nil
}

func httpPostJSON(url string, body []byte) (*http.Response, error) {
	return http.Post(url, "application/json", bytes.NewReader(body))
}
