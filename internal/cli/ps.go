package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oldpatricka/epu/internal/daemon"
	"github.com/oldpatricka/epu/internal/domain"
)

func init() {
	rootCmd.AddCommand(psCmd)
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List processes currently tracked by the dispatcher core",
	RunE:  runPs,
}

type dumpResponse struct {
	Processes []struct {
		UPID     string `json:"upid"`
		State    domain.ProcessState `json:"state"`
		Assigned string `json:"assigned"`
		Round    int    `json:"round"`
	} `json:"processes"`
	Queue []string `json:"queue"`
}

// runPs queries the running daemon's own /dump endpoint rather than the
// in-process PDC core: the ps subcommand always runs as a separate
// process from the daemon it's inspecting.
func runPs(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/dump", cfg.API.Host, cfg.API.Port)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("querying epud at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("epud returned HTTP %d", resp.StatusCode)
	}

	var dump dumpResponse
	if err := json.NewDecoder(resp.Body).Decode(&dump); err != nil {
		return fmt.Errorf("decoding dump response: %w", err)
	}

	if len(dump.Processes) == 0 {
		fmt.Println("No processes currently tracked.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UPID\tSTATE\tASSIGNED\tROUND")
	for _, p := range dump.Processes {
		assigned := p.Assigned
		if assigned == "" {
			assigned = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.UPID, p.State, assigned, p.Round)
	}
	return w.Flush()
}
