package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/pipeline"
)

var (
	runCaller         string
	runCall           string
	runTranscriptFile string
	runOffline        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full post-call pipeline for one call",
	Long:  "Runs every analysis stage for a call and composes the caller's next prompt. Without --call a new call is started and completed from --transcript-file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mode := "run"
		if runOffline {
			cfg.Completion.Offline = true
			mode = "offline"
		}

		in := pipeline.CallInput{CallID: runCall, CallerID: runCaller}
		if runOffline {
			in.Engine = model.EngineOffline
		}
		if runTranscriptFile != "" {
			b, err := os.ReadFile(runTranscriptFile)
			if err != nil {
				return eris.Wrap(err, "read transcript")
			}
			in.Transcript = string(b)
		}
		if in.CallID == "" && in.Transcript == "" {
			return eris.New("either --call or --transcript-file is required")
		}

		env, err := initEnv(ctx, mode)
		if err != nil {
			return err
		}
		defer env.Close()

		if in.CallID == "" {
			if err := ensureCaller(cmd, env, runCaller); err != nil {
				return err
			}
		}

		result, err := env.Pipeline.Run(ctx, in)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("run: complete",
			zap.String("call_id", result.CallID),
			zap.String("status", string(result.Status)),
			zap.Int("total_tokens", result.TotalTokens),
			zap.Float64("total_cost", result.TotalCost),
		)
		return printJSON(cmd.OutOrStdout(), result)
	},
}

// ensureCaller registers callerID on first contact.
func ensureCaller(cmd *cobra.Command, env *appEnv, callerID string) error {
	ctx := cmd.Context()
	_, err := env.Store.GetCaller(ctx, callerID)
	if err == nil {
		return nil
	}
	if !eris.Is(err, model.ErrNotFound) {
		return eris.Wrap(err, "get caller")
	}
	return env.Store.UpsertCaller(ctx, &model.Caller{ID: callerID})
}

func init() {
	runCmd.Flags().StringVar(&runCaller, "caller", "", "caller id")
	runCmd.Flags().StringVar(&runCall, "call", "", "existing completed call id")
	runCmd.Flags().StringVar(&runTranscriptFile, "transcript-file", "", "transcript for a new call")
	runCmd.Flags().BoolVar(&runOffline, "offline", false, "run without completion calls")
	_ = runCmd.MarkFlagRequired("caller")
	rootCmd.AddCommand(runCmd)
}
