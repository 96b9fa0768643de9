package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/speedrun-hq/bridgerunner/pkg/chains"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

var watchStatus bool

var statusCmd = &cobra.Command{
	Use:   "status <transfer-id>",
	Short: "Show the state of a transfer",
	Long: `Show the state of every leg of a transfer held by a running service.

Examples:
  bridgerunner status 3f0c...
  bridgerunner status 3f0c... --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "Follow progress until the transfer finishes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Checking transfer status..."
		s.Start()
	}
	var t models.Transfer
	err := callAPI(http.MethodGet, "/v1/transfers/"+id, &t)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(t, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	displayTransfer(&t)

	if watchStatus && !t.Stopped() {
		return watchTransfer(id)
	}
	return nil
}

// watchTransfer follows the event stream of a transfer until it finishes
func watchTransfer(id string) error {
	req, err := apiRequest(http.MethodGet, "/v1/transfers/"+id+"/events")
	if err != nil {
		return err
	}
	stream := &http.Client{}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to follow transfer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned %s", resp.Status)
	}

	fmt.Printf("Watching transfer %s. Press Ctrl+C to stop.\n\n", color.CyanString(id))
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.ProgressEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			color.Red("Unreadable event: %v", err)
			continue
		}
		fmt.Printf("  %s  leg %d  %-22s %s\n",
			color.HiBlackString(ev.At.Local().Format("15:04:05")), ev.LegIndex, coloredStatus(string(ev.Status)), ev.Error)
		if ev.TransferState != models.TransferPending {
			fmt.Printf("\n  Transfer %s\n\n", coloredStatus(string(ev.TransferState)))
		} else if ev.Cancelled {
			fmt.Printf("\n  Transfer %s, legs already sent may still settle\n\n", color.MagentaString("CANCELLED"))
		}
	}
	return scanner.Err()
}

func displayTransfer(t *models.Transfer) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                       TRANSFER STATUS")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  Transfer:    %s\n", color.CyanString(t.ID))
	fmt.Printf("  State:       %s\n", coloredStatus(string(t.State())))
	if t.CancelledAt != nil {
		fmt.Printf("  Cancelled:   %s\n", color.MagentaString(t.CancelledAt.Local().Format("2006-01-02 15:04:05")))
	}
	fmt.Printf("  Amount:      %s %s on %s\n", t.Intent.Amount.Human(), t.Intent.SourceToken.Symbol, chains.GetChainName(t.Intent.SourceChain))
	fmt.Printf("  Destination: %s on %s\n", t.Intent.DestinationToken.Symbol, chains.GetChainName(t.Intent.DestinationChain))
	fmt.Printf("  Updated:     %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	for _, leg := range t.Legs {
		fmt.Printf("\n  Leg %d  %s -> %s  %s\n", leg.Index, leg.InputToken, leg.OutputToken, coloredStatus(string(leg.Status)))
		if leg.Adapter != "" {
			fmt.Printf("    Bridge:    %s\n", leg.Adapter)
		}
		for _, h := range leg.Handles {
			fmt.Printf("    %-10s %s\n", string(h.Kind)+":", color.HiBlackString(h.TransactionHash))
		}
		if leg.RealizedOutput != nil {
			fmt.Printf("    Received:  %s %s\n", leg.RealizedOutput.Human(), leg.OutputToken.Symbol)
		}
		if leg.DestinationTx != "" {
			fmt.Printf("    Fill Tx:   %s\n", color.HiBlackString(leg.DestinationTx))
		}
		if leg.Failure != nil {
			fmt.Printf("    Failure:   %s (%s)\n", color.RedString(leg.Failure.Message), leg.Failure.Kind)
		}
	}

	for _, r := range t.Reconciliations {
		fmt.Printf("\n  Reconciled leg %d at %s: bridge reports %s\n",
			r.LegIndex, r.CheckedAt.Local().Format("15:04:05"), coloredStatus(string(r.ObservedStatus)))
	}
	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func coloredStatus(status string) string {
	upper := strings.ToUpper(status)
	switch status {
	case string(models.LegFilled), string(models.TransferCompleted):
		return color.GreenString(upper)
	case string(models.LegFailed), string(models.LegTimedOut):
		return color.RedString(upper)
	default:
		return color.YellowString(upper)
	}
}
