package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Load the reference photos and list who can be recognized",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		p, err := buildPipeline(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer p.Close()

		if p.gallery.Len() == 0 {
			fmt.Println("No identities loaded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tIDENTITY\tDIMENSIONS")
		fmt.Fprintln(w, "-\t--------\t----------")
		for i, f := range p.gallery.Faces() {
			fmt.Fprintf(w, "%d\t%s\t%d\n", i+1, f.ID, len(f.Vec))
		}
		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(galleryCmd)
}
