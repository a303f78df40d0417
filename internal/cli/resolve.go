package cli

import (
	"context"
	"fmt"
	"strings"

	"looper/internal/kernel"
)

// resolveLoopID accepts a full loop id, a unique id prefix, or an exact
// display name.
func resolveLoopID(ctx context.Context, k *kernel.Kernel, arg string) (string, error) {
	loops, err := k.Orchestrator.GetAllLoops(ctx)
	if err != nil {
		return "", err
	}

	var matches []string
	for _, l := range loops {
		if l.Config.ID == arg {
			return arg, nil
		}
		if strings.HasPrefix(l.Config.ID, arg) || l.Config.Name == arg {
			matches = append(matches, l.Config.ID)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no loop matches %q", arg)
	default:
		return "", fmt.Errorf("%q is ambiguous, matches %d loops", arg, len(matches))
	}
}
