package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"cartbot/internal/budget"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect tenant model spend",
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the tenant's spend against its monthly budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, err := budget.NewTracker(cfg.DataDir, cfg.Budget)
		if err != nil {
			return err
		}

		spent := tracker.SpentCents(tenantID)
		limit := cfg.Budget.MonthlyBudgetCents(tenantID)
		stats := tracker.Stats(tenantID)

		fmt.Printf("Tenant:    %s\n", tenantID)
		fmt.Printf("Budget:    %s\n", cents(limit))
		fmt.Printf("Spent:     %s (%d calls)\n", cents(spent), stats.Calls)
		fmt.Printf("Remaining: %s\n", cents(tracker.RemainingCents(tenantID)))
		if tracker.Exceeded(tenantID) {
			fmt.Println("Status:    EXHAUSTED - model calls refused, rule-only classification")
		}

		if len(stats.ByModel) > 0 {
			fmt.Println("\nBy model:")
			models := make([]string, 0, len(stats.ByModel))
			for m := range stats.ByModel {
				models = append(models, m)
			}
			sort.Strings(models)
			for _, m := range models {
				fmt.Printf("  %-32s %s\n", m, cents(stats.ByModel[m]))
			}
		}
		return nil
	},
}

func cents(c int64) string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}

func init() {
	budgetCmd.AddCommand(budgetStatusCmd)
}
