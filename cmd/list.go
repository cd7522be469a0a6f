package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var listDate string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List attendance for a day",
	Run: func(cmd *cobra.Command, args []string) {
		date, err := parseDate(listDate)
		if err != nil {
			utils.Die("Invalid date", err, nil)
		}
		runList(cmd.Context(), date)
	},
}

func init() {
	listCmd.Flags().StringVarP(&listDate, "date", "d", "", "Day to list, YYYY-MM-DD (default: today)")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, date time.Time) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		os.Exit(1)
	}

	records, err := st.List(ctx, date)
	if err != nil {
		utils.Die("Failed to list attendance", err, nil)
	}

	if len(records) == 0 {
		fmt.Printf("No attendance recorded for %s.\n", date.Format(store.DateLayout))
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "STUDENT\tDATE\tSTATUS")
	fmt.Fprintln(w, "-------\t----\t------")

	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.StudentID, r.Date.Format(store.DateLayout), statusLabel(r.Status))
	}
	w.Flush()
}

func statusLabel(status int) string {
	if status == store.StatusPresent {
		return "present"
	}
	return "absent"
}

// parseDate reads YYYY-MM-DD; empty means today.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return store.Day(time.Now()), nil
	}
	t, err := time.Parse(store.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD, got %q", s)
	}
	return t, nil
}
