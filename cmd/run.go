package cmd

import (
	"github.com/kairo0916/ai-exho-discord-bot/exho"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connects to discord and starts answering messages (and the status API, if enabled)",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := exho.New(cfg)
			if err != nil {
				log.Fatalf("error creating exho: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running exho: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
