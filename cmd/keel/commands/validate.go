package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keelops/keel/pkg/config"
	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/policy"
)

type validateResult struct {
	Valid      bool                     `json:"valid"`
	Resources  int                      `json:"resources"`
	Errors     []config.ValidationError `json:"errors,omitempty"`
	Structural string                   `json:"structural_error,omitempty"`
	Violations []policy.Violation       `json:"violations,omitempty"`
	Warnings   []policy.Violation       `json:"warnings,omitempty"`
}

func newValidateCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate declarations without touching the host",
		Long: `Validate loads the declaration files, builds the resource graph and
evaluates the policies. Nothing is observed or changed.

It reports schema errors with their file and line, structural errors
(duplicate resources, cycles, unknown notification targets) and policy
violations. The exit status is 2 when anything is invalid.`,
		Example: `  keel validate site.yaml
  keel validate --json ./declarations/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := newEnv(ctx, info, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			result := validateResult{Valid: true}

			set, err := e.loadDeclarations(ctx, args)
			if err != nil {
				var loadErr *config.LoadError
				if !errors.As(err, &loadErr) {
					return &ExitError{Code: engine.ExitStructural, Err: err}
				}
				result.Valid = false
				result.Errors = loadErr.Errors
				return printValidation(cmd, result)
			}
			result.Resources = len(set.Declarations)

			eng, _, err := e.newEngine(set)
			if err != nil {
				return err
			}
			if _, err := eng.Build(set.Declarations); err != nil {
				result.Valid = false
				result.Structural = err.Error()
			}

			pe, err := e.newPolicyEngine(ctx)
			if err != nil {
				return &ExitError{Code: engine.ExitStructural, Err: err}
			}
			if pe != nil {
				res, err := pe.Evaluate(ctx, set.Declarations, e.facts.Map(), false)
				if err != nil {
					return err
				}
				result.Violations = res.Violations
				result.Warnings = res.Warnings
				if !res.Allowed {
					result.Valid = false
				}
			}

			return printValidation(cmd, result)
		},
	}
}

func printValidation(cmd *cobra.Command, result validateResult) error {
	out := cmd.OutOrStdout()

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		for _, e := range result.Errors {
			fmt.Fprintf(out, "error: %s\n", e)
		}
		if result.Structural != "" {
			fmt.Fprintf(out, "error: %s\n", result.Structural)
		}
		for _, v := range result.Violations {
			printViolation(cmd, "violation", v)
		}
		for _, v := range result.Warnings {
			printViolation(cmd, "warning", v)
		}
		if result.Valid {
			fmt.Fprintf(out, "%d resources valid\n", result.Resources)
		}
	}

	if !result.Valid {
		return &ExitError{Code: engine.ExitStructural}
	}
	return nil
}

func printViolation(cmd *cobra.Command, label string, v policy.Violation) {
	out := cmd.OutOrStdout()
	if v.Resource != "" {
		fmt.Fprintf(out, "%s: %s: %s: %s\n", label, v.Policy, v.Resource, v.Message)
	} else {
		fmt.Fprintf(out, "%s: %s: %s\n", label, v.Policy, v.Message)
	}
	if v.Remediation != "" {
		fmt.Fprintf(out, "  fix: %s\n", v.Remediation)
	}
}
