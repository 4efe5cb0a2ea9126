package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/opcsync/internal/config"
)

// ValidationError is one problem found in a configuration file.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Pos     string `json:"pos,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Path   string            `json:"path"`
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a client/server configuration file",
		Long: `Validate a .cue or .yaml configuration file.

CUE files are unified with the built-in #Config schema and must be
concrete. YAML files reject unknown fields. Both are then checked for
option consistency (positive intervals, required names).

Exit codes:
  0 - configuration valid
  1 - configuration invalid
  2 - file missing or unsupported`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if _, err := os.Stat(path); err != nil {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("config file not found: %s", path), nil)
		return WrapExitError(ExitCommandError, "config file not found", err)
	}

	formatter.VerboseLog("Loading %s", path)
	_, err := config.Load(path)
	if err == nil {
		if formatter.JSON() {
			return formatter.Success(ValidationResult{Path: path, Valid: true})
		}
		fmt.Fprintln(formatter.Writer, "✓ Configuration valid")
		return nil
	}

	result := ValidationResult{Path: path, Errors: validationErrors(err)}
	if formatter.JSON() {
		if encErr := formatter.Failure(ErrCodeConfig, result.Errors[0].Message, result); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Validation failed")
		fmt.Fprintln(formatter.Writer)
		for _, e := range result.Errors {
			if e.Pos != "" {
				fmt.Fprintf(formatter.Writer, "%s\n", e.Pos)
			}
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", e.Field, e.Message)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}

// validationErrors flattens joined config errors into a list.
func validationErrors(err error) []ValidationError {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []ValidationError
		for _, e := range joined.Unwrap() {
			out = append(out, validationErrors(e)...)
		}
		return out
	}

	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return []ValidationError{{Field: cfgErr.Field, Message: cfgErr.Message, Pos: cfgErr.Pos}}
	}
	return []ValidationError{{Field: "file", Message: err.Error()}}
}
