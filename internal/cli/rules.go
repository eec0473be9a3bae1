package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-form-coach/internal/rules"
)

// RuleFileResult is the validation outcome of one rule file.
type RuleFileResult struct {
	File     string `json:"file"`
	Exercise string `json:"exercise,omitempty"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate exercise rule sets",
	}
	cmd.AddCommand(newRulesValidateCommand(rootOpts))
	cmd.AddCommand(newRulesListCommand(rootOpts))
	return cmd
}

func newRulesValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Validate rule files without starting a session",
		Long: `Validate every YAML rule file in a directory against the rule schema,
then compile its angles, thresholds, messages and expressions.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesValidate(cmd, rootOpts, args[0])
		},
	}
}

func runRulesValidate(cmd *cobra.Command, opts *RootOptions, dir string) error {
	out := cmd.OutOrStdout()

	files, err := rules.Files(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot read rule directory", err)
	}
	if len(files) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("no rule files found in %s", dir))
	}

	results := make([]RuleFileResult, 0, len(files))
	failed := 0
	for _, path := range files {
		res := RuleFileResult{File: path}
		data, err := os.ReadFile(path)
		if err == nil {
			var rs *rules.RuleSet
			if rs, err = rules.Parse(data); err == nil {
				res.Exercise = rs.Exercise
			}
		}
		if err != nil {
			res.Error = err.Error()
			failed++
		} else {
			res.Valid = true
		}
		results = append(results, res)
	}

	if opts.Format == "json" {
		status := "ok"
		var cliErr *CLIError
		if failed > 0 {
			status = "error"
			cliErr = &CLIError{Code: "invalid_rules", Message: fmt.Sprintf("%d of %d rule files invalid", failed, len(files))}
		}
		if err := writeJSON(out, CLIResponse{Status: status, Data: results, Error: cliErr}); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Valid {
				fmt.Fprintf(out, "✓ %s (%s)\n", r.File, r.Exercise)
			} else {
				fmt.Fprintf(out, "✗ %s: %s\n", r.File, r.Error)
			}
		}
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed: %d of %d rule files invalid", failed, len(files)))
	}
	if opts.Format != "json" {
		fmt.Fprintf(out, "✓ All %d rule files valid\n", len(files))
	}
	return nil
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the exercises with a dedicated rule set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := rules.NewFileRepository(dir)
			if err := repo.LoadRules(context.Background()); err != nil {
				return WrapExitError(ExitCommandError, "failed to load rules", err)
			}
			exercises := repo.Exercises()
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: exercises})
			}
			for _, name := range exercises {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "rules", "", "rule directory overriding the embedded rule sets")
	return cmd
}
