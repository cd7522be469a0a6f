package cmd

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	identifyFlags     pipelineFlags
	identifyAnnotated string
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match the faces in one photo against the gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		identifyFlags.apply(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			utils.ShowError("Invalid configuration", err, nil)
			return err
		}
		return runIdentify(cmd, args[0])
	},
}

func init() {
	identifyCmd.Flags().Float64VarP(&identifyFlags.Tolerance, "tolerance", "t", 0.5, "Match when distance <= tolerance")
	identifyCmd.Flags().Float64Var(&identifyFlags.Scale, "scale", 1.0, "Downscale factor applied before detection")
	identifyCmd.Flags().StringVar(&identifyFlags.Policy, "policy", "first", "Match policy: first or nearest")
	identifyCmd.Flags().StringVarP(&identifyAnnotated, "annotated", "a", "", "Write the annotated image to this path")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(cmd *cobra.Command, imagePath string) error {
	ctx := cmd.Context()

	// A single photo is matched at full resolution unless asked otherwise.
	if !cmd.Flags().Changed("scale") {
		cfg.Match.Scale = 1.0
	}

	f, err := os.Open(imagePath)
	if err != nil {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		utils.ShowError("Failed to decode image", err, nil)
		return err
	}

	p, err := buildPipeline(ctx, cfg, identifyAnnotated != "")
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	res, err := p.matcher.Match(ctx, img, p.gallery)
	if err != nil {
		utils.ShowError("AI processing failed", err, p.worker.Cmd)
		return err
	}

	if len(res.Matches) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tIDENTITY\tDISTANCE\tBOX (T,R,B,L)")
	fmt.Fprintln(w, "----\t--------\t--------\t-------------")
	for i, m := range res.Matches {
		dist := "-"
		if m.Known {
			dist = fmt.Sprintf("%.3f", m.Distance)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d,%d,%d,%d\n", i+1, m.ID, dist, m.Box.Top, m.Box.Right, m.Box.Bottom, m.Box.Left)
	}
	w.Flush()

	if identifyAnnotated != "" {
		if err := writeJPEG(identifyAnnotated, res); err != nil {
			utils.ShowError("Failed to write annotated image", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🖼️  Annotated image saved to %s\n", identifyAnnotated)
	}
	return nil
}

func writeJPEG(path string, res *matcher.Result) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, res.Frame, &jpeg.Options{Quality: 90}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
