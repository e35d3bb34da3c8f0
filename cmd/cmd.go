package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vocoderlab/glowonnx/export"
	"github.com/vocoderlab/glowonnx/logutil"
	"github.com/vocoderlab/glowonnx/version"
)

func ExportHandler(cmd *cobra.Command, _ []string) error {
	checkpoint, err := cmd.Flags().GetString("checkpoint")
	if err != nil {
		return err
	}
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	reduced, err := cmd.Flags().GetBool("reduced-precision")
	if err != nil {
		return err
	}
	sigma, err := cmd.Flags().GetFloat32("sigma")
	if err != nil {
		return err
	}
	verify, err := cmd.Flags().GetBool("verify")
	if err != nil {
		return err
	}
	stride, err := cmd.Flags().GetInt("upsample-stride")
	if err != nil {
		return err
	}

	return export.Run(export.Options{
		Checkpoint:       checkpoint,
		OutputDir:        output,
		ReducedPrecision: reduced,
		Sigma:            sigma,
		Verify:           verify,
		UpsampleStride:   stride,
	})
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "glowonnx",
		Short:         "Convert a trained WaveGlow checkpoint to an ONNX graph",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          ExportHandler,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level()))
		},
	}

	rootCmd.Flags().String("checkpoint", "", "Path to the trained checkpoint")
	rootCmd.Flags().String("output", "", "Directory to write waveglow.onnx into")
	rootCmd.Flags().Bool("reduced-precision", false, "Store parameters as float16")
	rootCmd.Flags().Float32("sigma", 0.6, "Scale applied to the latent noise")
	rootCmd.Flags().Bool("verify", false, "Check the rewritten model against the reference procedure before exporting")
	rootCmd.Flags().Int("upsample-stride", 256, "Upsampler stride from the training configuration")

	_ = rootCmd.MarkFlagRequired("checkpoint")
	_ = rootCmd.MarkFlagRequired("output")

	return rootCmd
}
