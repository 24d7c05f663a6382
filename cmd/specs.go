package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/registry"
)

var (
	specsDir     string
	specsCompile bool
)

var specsCmd = &cobra.Command{
	Use:   "specs",
	Short: "Manage analysis specs, parameters and curricula",
}

var specsLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Import spec, parameter and curriculum definitions from YAML files",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dir := specsDir
		if dir == "" {
			dir = cfg.Specs.Dir
		}
		bundle, err := registry.LoadDir(dir)
		if err != nil {
			return eris.Wrapf(err, "load specs from %s", dir)
		}

		env, err := initEnv(ctx, "offline")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Pipeline.Registry().Import(ctx, bundle, specsCompile)
		if err != nil {
			return eris.Wrap(err, "import specs")
		}

		zap.L().Info("specs: imported",
			zap.String("dir", dir),
			zap.Int("parameters", sum.Parameters),
			zap.Int("specs", sum.Specs),
			zap.Int("compiled", sum.Compiled),
			zap.Int("curricula", sum.Curricula),
			zap.Strings("failed", sum.Failed),
		)
		return printJSON(cmd.OutOrStdout(), sum)
	},
}

var specsCompileCmd = &cobra.Command{
	Use:   "compile <slug>",
	Short: "Compile a spec and activate it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "offline")
		if err != nil {
			return err
		}
		defer env.Close()

		spec, err := env.Pipeline.Registry().Compile(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "compile %s", args[0])
		}
		return printJSON(cmd.OutOrStdout(), spec)
	},
}

// specsStatusCmd builds publish and archive, which differ only in the
// registry transition they apply.
func specsStatusCmd(use, short string, apply func(r *registry.Registry, ctx context.Context, slug string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <slug>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := initEnv(ctx, "offline")
			if err != nil {
				return err
			}
			defer env.Close()

			if err := apply(env.Pipeline.Registry(), ctx, args[0]); err != nil {
				return eris.Wrapf(err, "%s %s", use, args[0])
			}
			zap.L().Info("specs: "+use, zap.String("slug", args[0]))
			return nil
		},
	}
}

func init() {
	specsLoadCmd.Flags().StringVar(&specsDir, "dir", "", "directory of YAML definitions (default from config)")
	specsLoadCmd.Flags().BoolVar(&specsCompile, "compile", false, "compile each spec after import")

	specsCmd.AddCommand(
		specsLoadCmd,
		specsCompileCmd,
		specsStatusCmd("publish", "Mark a compiled spec as published", (*registry.Registry).Publish),
		specsStatusCmd("archive", "Archive a spec so no stage runs it", (*registry.Registry).Archive),
	)
	rootCmd.AddCommand(specsCmd)
}
