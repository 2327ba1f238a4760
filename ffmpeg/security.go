package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Placeholders accepted in custom argument strings.
const (
	InputMediaPlaceholder = "${INPUT_MEDIA}"
	OutputPlaceholder     = "${OUTPUT}"
)

// SplitCommand splits a custom argument string without involving a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeAndValidateArgs requires both placeholders as standalone arguments
// and refuses shell metacharacters everywhere else.
func SanitizeAndValidateArgs(args []string) error {
	hasInput, hasOutput := false, false
	for _, arg := range args {
		switch arg {
		case InputMediaPlaceholder:
			hasInput = true
		case OutputPlaceholder:
			hasOutput = true
		default:
			if strings.ContainsAny(arg, "|&;`$()<>") {
				return fmt.Errorf("disallowed character found in argument: %s", arg)
			}
		}
	}

	if !hasInput {
		return fmt.Errorf("command must include the input placeholder '%s'", InputMediaPlaceholder)
	}
	if !hasOutput {
		return fmt.Errorf("command must include the output placeholder '%s'", OutputPlaceholder)
	}
	return nil
}

// expandPlaceholders substitutes the first occurrence of each placeholder.
func expandPlaceholders(args []string, input, output string) []string {
	out := make([]string, len(args))
	copy(out, args)
	inputDone, outputDone := false, false
	for i, arg := range out {
		if !inputDone && arg == InputMediaPlaceholder {
			out[i] = input
			inputDone = true
		} else if !outputDone && arg == OutputPlaceholder {
			out[i] = output
			outputDone = true
		}
	}
	return out
}
