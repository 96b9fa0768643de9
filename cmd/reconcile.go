package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <transfer-id>",
	Short: "Ask the bridges again about legs nobody tracks anymore",
	Long: `Query the bridge of every timed out leg, or broadcast leg of a cancelled transfer,
and record what it reports. Leg statuses are left unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	var resp struct {
		Checks []models.Reconciliation `json:"checks"`
	}
	if err := callAPI(http.MethodPost, "/v1/transfers/"+args[0]+"/reconcile", &resp); err != nil {
		return err
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(resp.Checks, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	if len(resp.Checks) == 0 {
		color.Yellow("No bridge answered, try again later")
		return nil
	}
	for _, c := range resp.Checks {
		line := fmt.Sprintf("Leg %d is reported %s", c.LegIndex, coloredStatus(string(c.ObservedStatus)))
		if c.RealizedOutput != "" {
			line += fmt.Sprintf(", delivered %s", c.RealizedOutput)
		}
		fmt.Println(line)
	}
	return nil
}
