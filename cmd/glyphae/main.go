package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/glyph-ae/config"
)

// sample grids are 10x10 cells of 52x52 glyphs
const (
	gridRows  = 10
	gridCols  = 10
	gridPad   = 2
	gridScale = 2
)

func main() {
	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}

func appendEnvDocs(cmd *cobra.Command, envs []config.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the glyphae command tree
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "glyphae",
		Short:         "Train an encoder that draws messages as robust glyph images",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	trainCmd := newTrainCmd()
	sampleCmd := newSampleCmd()
	decodeCmd := newDecodeCmd()
	summaryCmd := newSummaryCmd()
	exportCmd := newExportCmd()

	envVars := config.AsMap()
	appendEnvDocs(trainCmd, []config.EnvVar{
		envVars["GLYPHAE_DEBUG"],
		envVars["GLYPHAE_MSG_SIZE"],
		envVars["GLYPHAE_IMG_CHANNELS"],
		envVars["GLYPHAE_LR"],
		envVars["GLYPHAE_NOISE_SIZE"],
		envVars["GLYPHAE_EPOCHS"],
		envVars["GLYPHAE_STEPS_PER_EPOCH"],
		envVars["GLYPHAE_BS"],
		envVars["GLYPHAE_CHECKPOINT"],
		envVars["GLYPHAE_IMAGE_DIR"],
		envVars["GLYPHAE_FORMAT"],
		envVars["GLYPHAE_SCHEDULER"],
		envVars["GLYPHAE_SEED"],
		envVars["GLYPHAE_DEVICE"],
	})
	for _, cmd := range []*cobra.Command{sampleCmd, decodeCmd, exportCmd} {
		appendEnvDocs(cmd, []config.EnvVar{envVars["GLYPHAE_CHECKPOINT"], envVars["GLYPHAE_DEVICE"]})
	}

	rootCmd.AddCommand(
		trainCmd,
		sampleCmd,
		decodeCmd,
		summaryCmd,
		exportCmd,
	)

	return rootCmd
}
