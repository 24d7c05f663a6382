package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	examCaller    string
	examSpec      string
	examScore     float64
	examTotal     int
	examCorrect   int
	examFormative bool
)

var examCmd = &cobra.Command{
	Use:   "exam",
	Short: "Check exam readiness and record exam attempts",
}

var examGateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Report whether a caller may attempt the exam for a curriculum",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "offline")
		if err != nil {
			return err
		}
		defer env.Close()

		decision, err := env.Pipeline.Gate().CheckExamGate(ctx, examCaller, examSpec)
		if err != nil {
			return eris.Wrap(err, "exam gate")
		}
		return printJSON(cmd.OutOrStdout(), decision)
	},
}

var examRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record an exam attempt, or a formative score with --formative",
	RunE: func(cmd *cobra.Command, args []string) error {
		if examScore < 0 || examScore > 1 {
			return eris.Errorf("--score must be between 0 and 1, got %v", examScore)
		}
		if !examFormative && (examTotal <= 0 || examCorrect < 0 || examCorrect > examTotal) {
			return eris.New("--total must be > 0 and --correct between 0 and --total")
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "offline")
		if err != nil {
			return err
		}
		defer env.Close()

		gate := env.Pipeline.Gate()
		if examFormative {
			if err := gate.RecordFormativeScore(ctx, examCaller, examSpec, examScore); err != nil {
				return eris.Wrap(err, "record formative score")
			}
			zap.L().Info("exam: formative score recorded",
				zap.String("caller_id", examCaller),
				zap.String("spec", examSpec),
				zap.Float64("score", examScore),
			)
			return nil
		}

		result, err := gate.RecordExamResult(ctx, examCaller, examSpec, examScore, examTotal, examCorrect)
		if err != nil {
			return eris.Wrap(err, "record exam result")
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

func init() {
	for _, c := range []*cobra.Command{examGateCmd, examRecordCmd} {
		c.Flags().StringVar(&examCaller, "caller", "", "caller id")
		c.Flags().StringVar(&examSpec, "spec", "", "curriculum spec slug")
		_ = c.MarkFlagRequired("caller")
		_ = c.MarkFlagRequired("spec")
	}
	examRecordCmd.Flags().Float64Var(&examScore, "score", 0, "score in [0,1]")
	examRecordCmd.Flags().IntVar(&examTotal, "total", 0, "questions asked")
	examRecordCmd.Flags().IntVar(&examCorrect, "correct", 0, "questions answered correctly")
	examRecordCmd.Flags().BoolVar(&examFormative, "formative", false, "record a formative score instead of an attempt")
	_ = examRecordCmd.MarkFlagRequired("score")

	examCmd.AddCommand(examGateCmd, examRecordCmd)
	rootCmd.AddCommand(examCmd)
}
