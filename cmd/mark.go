package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var markDate string

var markCmd = &cobra.Command{
	Use:   "mark <student_id> <0|1>",
	Short: "Manually set a student's attendance (1 present, 0 absent)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		status, err := parseStatus(args[1])
		if err != nil {
			utils.Die("Invalid status", err, nil)
		}
		date, err := parseDate(markDate)
		if err != nil {
			utils.Die("Invalid date", err, nil)
		}

		runMark(cmd.Context(), args[0], date, status)
	},
}

func init() {
	markCmd.Flags().StringVarP(&markDate, "date", "d", "", "Day to edit, YYYY-MM-DD (default: today)")
	rootCmd.AddCommand(markCmd)
}

func runMark(ctx context.Context, studentID string, date time.Time, status int) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		utils.Die("Failed to open attendance store", err, nil)
	}

	if err := st.SetStatus(ctx, studentID, date, status); err != nil {
		utils.Die("Failed to update attendance", err, nil)
	}

	fmt.Printf("✅ %s marked %s on %s\n", studentID, statusLabel(status), date.Format(store.DateLayout))
}

func parseStatus(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || (n != store.StatusAbsent && n != store.StatusPresent) {
		return 0, fmt.Errorf("status must be 0 or 1, got %q", s)
	}
	return n, nil
}
