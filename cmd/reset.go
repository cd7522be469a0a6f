package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetDebug bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (attendance table, debug frames)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetDebug {
			resetDB = true
			resetDebug = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if confirm(reader, "⚠️  Are you sure you want to DROP the attendance table?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := store.New(cfg.Database.URL).Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetDebug && (cfg.Capture.DebugDir != "" || cfg.Capture.OutputFrame != "") {
			if confirm(reader, "⚠️  Are you sure you want to delete all saved frames?") {
				fmt.Println("🗑️  Clearing Saved Frames...")
				if cfg.Capture.DebugDir != "" {
					removeDir(cfg.Capture.DebugDir)
				}
				if cfg.Capture.OutputFrame != "" {
					removeDir(cfg.Capture.OutputFrame)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "table", false, "Drop the attendance table")
	resetCmd.Flags().BoolVar(&resetDebug, "frames", false, "Delete saved frames (output frame and debug directory)")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
