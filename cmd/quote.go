package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
	"github.com/speedrun-hq/bridgerunner/pkg/config"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/speedrun-hq/bridgerunner/pkg/service"
)

var (
	quoteFrom      int
	quoteTo        int
	quoteToToken   string
	quoteRecipient string
	quoteSlippage  uint32
	quoteMaxLegs   int
)

var quoteCmd = &cobra.Command{
	Use:   "quote <amount> <token>",
	Short: "Price a transfer without executing it",
	Long: `Price every leg of the path a transfer would take. Nothing is signed or recorded.

Examples:
  bridgerunner quote 250 USDC --from 1 --to 42161
  bridgerunner quote 1000 USDT --from 1 --to 8453 --to-token USDC --max-legs 2`,
	Args: cobra.ExactArgs(2),
	RunE: runQuote,
}

func init() {
	rootCmd.AddCommand(quoteCmd)

	quoteCmd.Flags().IntVar(&quoteFrom, "from", 0, "Source chain id")
	quoteCmd.Flags().IntVar(&quoteTo, "to", 0, "Destination chain id")
	quoteCmd.Flags().StringVar(&quoteToToken, "to-token", "", "Destination token (defaults to the source token)")
	quoteCmd.Flags().StringVar(&quoteRecipient, "recipient", "", "Recipient on the destination chain (defaults to the depositor)")
	quoteCmd.Flags().Uint32Var(&quoteSlippage, "slippage", 50, "Slippage tolerance in basis points")
	quoteCmd.Flags().IntVar(&quoteMaxLegs, "max-legs", 0, "Maximum number of legs (0 for the configured default)")
	_ = quoteCmd.MarkFlagRequired("from")
	_ = quoteCmd.MarkFlagRequired("to")
}

func quoteIntent(human, symbol, depositor string) (models.TransferIntent, error) {
	from, err := chains.Stablecoin(amount.ChainID(quoteFrom), symbol)
	if err != nil {
		return models.TransferIntent{}, err
	}
	toSymbol := quoteToToken
	if toSymbol == "" {
		toSymbol = symbol
	}
	to, err := chains.Stablecoin(amount.ChainID(quoteTo), toSymbol)
	if err != nil {
		return models.TransferIntent{}, err
	}
	value, err := amount.Parse(human, from.Decimals)
	if err != nil {
		return models.TransferIntent{}, fmt.Errorf("invalid amount %q: %w", human, err)
	}
	recipient := quoteRecipient
	if recipient == "" {
		recipient = depositor
	}

	return models.TransferIntent{
		SourceChain:          from.Chain,
		DestinationChain:     to.Chain,
		SourceToken:          from,
		DestinationToken:     to,
		Amount:               value,
		Depositor:            depositor,
		Recipient:            recipient,
		SlippageToleranceBps: quoteSlippage,
		MaxLegs:              quoteMaxLegs,
	}, nil
}

func runQuote(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return err
	}
	cfg.LoggerConfig.Level = logger.ErrorLevel

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	svc, err := service.NewService(ctx, cfg, cfg.NewLogger())
	if err != nil {
		return err
	}
	defer svc.Close()

	intent, err := quoteIntent(args[0], args[1], svc.Depositor(amount.ChainID(quoteFrom)))
	if err != nil {
		return err
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Fetching quotes..."
		s.Start()
	}
	quotes, err := svc.Orchestrator().Preview(ctx, intent)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(quotes, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	displayQuotes(intent, quotes)
	return nil
}

func displayQuotes(intent models.TransferIntent, quotes []*models.Quote) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                       TRANSFER QUOTE")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  From:  %s %s on %s\n", intent.Amount.Human(), color.YellowString(intent.SourceToken.Symbol), chains.GetChainName(intent.SourceChain))
	fmt.Printf("  To:    %s on %s\n", color.YellowString(intent.DestinationToken.Symbol), chains.GetChainName(intent.DestinationChain))
	fmt.Printf("  Legs:  %d\n", len(quotes))

	var eta int64
	for _, q := range quotes {
		eta += q.ExpectedFillTimeSeconds
		fmt.Printf("\n  Leg %d via %s\n", q.LegIndex, color.CyanString(q.Adapter))
		fmt.Printf("    %s %s -> ~%s %s (min %s)\n",
			q.InputAmount.Human(), q.InputToken, q.ExpectedOutputAmount.Human(), q.OutputToken, q.MinOutputAmount.Human())
		for _, fee := range q.Fees {
			fmt.Printf("    Fee %-10s %s %s\n", fee.Name, fee.Amount.Human(), fee.Token.Symbol)
		}
		if q.Degraded {
			color.Magenta("    Simulated price, this leg cannot be executed")
		}
		fmt.Printf("    Valid until %s\n", color.HiBlackString(q.ExpiresAt.Local().Format("15:04:05")))
	}

	if n := len(quotes); n > 0 {
		last := quotes[n-1]
		fmt.Printf("\n  You receive ~%s %s (estimated %s)\n",
			color.GreenString(last.ExpectedOutputAmount.Human()), last.OutputToken.Symbol, time.Duration(eta)*time.Second)
	}
	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}
