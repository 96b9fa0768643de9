package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configDir  string
	apiURL     string
	apiToken   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "bridgerunner",
	Short: "Cross-chain stablecoin transfers through bridge aggregators",
	Long: `bridgerunner moves USDC and USDT between chains. It prices every route with the
configured bridges, chains several legs through hub assets when no bridge covers
the route directly, and tracks each leg until the funds arrive.

Examples:
  bridgerunner serve
  bridgerunner quote 250 USDC --from 1 --to 42161
  bridgerunner status <transfer-id> --watch
  bridgerunner reconcile <transfer-id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "Directory holding .env and bridgerunner.yaml")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8081", "Base URL of a running bridgerunner API")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Bearer token for the API")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
}

func printError(err error) {
	fmt.Printf("\n%s %v\n\n", color.RedString("Error:"), err)
}
