package cli

import (
	"fmt"
	"os"

	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
)

// PrintError prints an error to stderr. Structured errors use their
// user-facing message followed by the code and cause.
func PrintError(err error) {
	if flowErr := flowerrors.AsError(err); flowErr != nil {
		fmt.Fprintln(os.Stderr, flowErr.UserMessage())
		fmt.Fprintf(os.Stderr, "\nCode: %s\n", flowErr.Code)
		if flowErr.Cause != nil {
			fmt.Fprintf(os.Stderr, "Cause: %v\n", flowErr.Cause)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	switch flowerrors.CodeOf(err) {
	case "":
		if err == nil {
			return 0
		}
		return 1
	case flowerrors.CodeNotFound:
		return 3
	case flowerrors.CodeConflict, flowerrors.CodeTransitionConflict:
		return 4
	case flowerrors.CodeInvalidTransition, flowerrors.CodeInvalidState, flowerrors.CodeConfigInvalid:
		return 2
	default:
		return 1
	}
}
