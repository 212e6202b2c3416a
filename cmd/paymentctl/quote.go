package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dealerpay/internal/domain"
	"dealerpay/internal/pricing"
)

func quoteCmd() *cobra.Command {
	var providerName string

	cmd := &cobra.Command{
		Use:   "quote [tier]",
		Short: "Show tier prices",
		Long: `Show the price of every tier, or of one tier, in minor currency units.

Examples:
  paymentctl quote
  paymentctl quote premium --provider mobile_money`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.ProviderKind(providerName)
			if kind != "" && !kind.IsValid() {
				return fmt.Errorf("unknown provider %q", providerName)
			}

			catalog := pricing.NewDefaultCatalog()
			quotes := catalog.AllFor(kind)

			if len(args) == 1 {
				tier, ok := domain.ParseListingTier(args[0])
				if !ok {
					return fmt.Errorf("unknown tier %q", args[0])
				}
				quote, err := catalog.QuoteFor(tier, kind)
				if err != nil {
					return err
				}
				quotes = []domain.PriceQuote{quote}
			}

			return renderQuotes(cmd.OutOrStdout(), quotes)
		},
	}

	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider price list (card, mobile_money)")
	return cmd
}

func renderQuotes(w io.Writer, quotes []domain.PriceQuote) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tAMOUNT\tCURRENCY")
	for _, q := range quotes {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", q.Tier, q.Amount, q.Currency)
	}
	return tw.Flush()
}
