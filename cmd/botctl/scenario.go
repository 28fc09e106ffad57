package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"Cryptobot-Chain/internal/scenario"
)

func (a *app) newScenarioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "在本地执行调用场景",
	}

	var files []string
	var verbose bool
	run := &cobra.Command{
		Use:   "run",
		Short: "按顺序执行场景中的调用并校验每一步的状态快照",
		Example: `  botctl scenario run -f internal/scenario/testdata/punky_terminator.yaml
  botctl scenario run -f a.yaml -f b.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			failed := 0
			for _, path := range files {
				n, err := a.runScenario(path, verbose)
				if err != nil {
					return err
				}
				failed += n
			}
			if failed > 0 {
				return fmt.Errorf("%d 个步骤未通过", failed)
			}
			return nil
		},
	}
	run.Flags().StringSliceVarP(&files, "file", "f", nil, "场景文件 (YAML)，可重复指定")
	run.Flags().BoolVarP(&verbose, "verbose", "v", false, "输出每一步的状态快照")
	_ = run.MarkFlagRequired("file")

	cmd.AddCommand(run)
	return cmd
}

func (a *app) runScenario(path string, verbose bool) (int, error) {
	sc, err := scenario.Load(path)
	if err != nil {
		return 0, err
	}
	results, err := sc.Run()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	failed := 0
	fmt.Fprintf(a.stdout, "scenario %s (%s)\n", sc.Name, path)
	for _, r := range results {
		outcome := "ok"
		if r.ErrorCode != "" {
			outcome = string(r.ErrorCode)
		}
		status := "PASS"
		if !r.Passed() {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(a.stdout, "  %s step %d %s -> %s\n", status, r.Index+1, r.Step.Entry, outcome)
		for _, m := range r.Mismatches {
			fmt.Fprintf(a.stdout, "      %s\n", m)
		}
		if verbose {
			s := r.Snapshot
			fmt.Fprintf(a.stdout, "      name=%q pos=(%d,%d) ammo=%d kills=%v\n", s.Name, s.PosX, s.PosY, s.Ammo, s.KillTally)
		}
	}
	return failed, nil
}
