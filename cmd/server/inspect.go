package main

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/lock"
	"github.com/warp/billing-engine/store/sqlite"
)

var timebankCmd = &cobra.Command{
	Use:   "timebank",
	Short: "Print the timebank status of an agreement",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyFlagOverrides(cmd)

		id, _ := cmd.Flags().GetString("agreement")
		dateStr, _ := cmd.Flags().GetString("date")

		var ref billing.Date
		if dateStr != "" {
			d, err := billing.ParseDate(dateStr)
			if err != nil {
				return err
			}
			ref = d
		}

		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		svc := billing.NewService(store, lock.NewLocal())
		status, err := svc.TimebankStatus(cmd.Context(), billing.AgreementID(id), ref)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), status)
		return nil
	},
}

var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "Preview how logged hours split between pool and overtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		loggedStr, _ := cmd.Flags().GetString("logged")
		remainingStr, _ := cmd.Flags().GetString("remaining")

		logged, err := decimal.NewFromString(loggedStr)
		if err != nil {
			return fmt.Errorf("invalid --logged: %w", err)
		}
		remaining, err := decimal.NewFromString(remainingStr)
		if err != nil {
			return fmt.Errorf("invalid --remaining: %w", err)
		}
		if logged.IsNegative() {
			return fmt.Errorf("--logged must not be negative")
		}

		printSplit(cmd.OutOrStdout(), logged, billing.CalculateBillingWithSplit(logged, remaining))
		return nil
	},
}

func init() {
	timebankCmd.Flags().String("agreement", "", "Agreement ID")
	timebankCmd.Flags().String("date", "", "Reference date (YYYY-MM-DD, default today)")
	_ = timebankCmd.MarkFlagRequired("agreement")

	splitCmd.Flags().String("logged", "", "Logged hours")
	splitCmd.Flags().String("remaining", "0", "Hours remaining in the pool (may be negative)")
	_ = splitCmd.MarkFlagRequired("logged")
}

func printStatus(w io.Writer, s billing.TimebankStatus) {
	fmt.Fprintf(w, "Agreement:  %s\n", s.AgreementID)
	fmt.Fprintf(w, "Period:     %s\n", s.Period)
	fmt.Fprintf(w, "Included:   %sh\n", s.IncludedHours.String())
	fmt.Fprintf(w, "Used:       %sh\n", s.HoursUsed.String())
	fmt.Fprintf(w, "Remaining:  %sh (%s)\n", s.HoursRemaining.String(),
		billing.FormatMinutes(billing.MinutesFromHours(s.HoursRemaining)))
	fmt.Fprintf(w, "Overtime:   %sh\n", s.OvertimeHours.String())
	fmt.Fprintf(w, "Used %%:     %s\n", s.PercentUsed.StringFixed(1))
	fmt.Fprintf(w, "In overtime: %t\n", s.IsOvertime)
}

func printSplit(w io.Writer, logged decimal.Decimal, s billing.Split) {
	fmt.Fprintf(w, "Logged:    %sh (%s)\n", logged.String(),
		billing.FormatMinutes(billing.MinutesFromHours(logged)))
	fmt.Fprintf(w, "Pool:      %sh (%s)\n", s.PoolHours.String(),
		billing.FormatMinutes(billing.MinutesFromHours(s.PoolHours)))
	fmt.Fprintf(w, "Overtime:  %sh (%s)\n", s.OvertimeHours.String(),
		billing.FormatMinutes(billing.MinutesFromHours(s.OvertimeHours)))
	fmt.Fprintf(w, "Billed as: %s\n", s.Classification())
}
