package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	promptCaller  string
	promptTrigger string
	promptCall    string
	promptRaw     bool
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Compose and inspect caller prompts",
}

var promptComposeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Compose a new active prompt for a caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "offline")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Pipeline.ComposePrompt(ctx, promptCaller, promptTrigger, promptCall)
		if err != nil {
			return eris.Wrap(err, "compose prompt")
		}
		if promptRaw {
			_, err = cmd.OutOrStdout().Write([]byte(p.Content + "\n"))
			return err
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

func init() {
	promptComposeCmd.Flags().StringVar(&promptCaller, "caller", "", "caller id")
	promptComposeCmd.Flags().StringVar(&promptTrigger, "trigger", "manual", "trigger type recorded on the prompt")
	promptComposeCmd.Flags().StringVar(&promptCall, "call", "", "call that triggered the compose")
	promptComposeCmd.Flags().BoolVar(&promptRaw, "raw", false, "print only the prompt text")
	_ = promptComposeCmd.MarkFlagRequired("caller")

	promptCmd.AddCommand(promptComposeCmd)
	rootCmd.AddCommand(promptCmd)
}
