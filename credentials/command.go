package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// WithCommandProvider registers a template function that resolves a secret by
// running argv with the reference appended and returning trimmed stdout.
func WithCommandProvider(name string, argv ...string) ResolverOption {
	return WithProvider(name, func(ctx context.Context, ref string) (string, error) {
		if len(argv) == 0 {
			return "", errors.New("no command configured")
		}
		args := append(append([]string{}, argv[1:]...), ref)
		cmd := exec.CommandContext(ctx, argv[0], args...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s %q: %s: %w", argv[0], ref, strings.TrimSpace(stderr.String()), err)
		}

		return strings.TrimSpace(stdout.String()), nil
	})
}

// WithOnePassword registers an "op" template function that resolves secrets
// using the 1Password CLI (`op read`).
func WithOnePassword() ResolverOption {
	return WithCommandProvider("op", "op", "read")
}
