package internal

import (
	"fmt"
	"os"
	"strings"
)

// SecretSource resolves a provider API credential either from a direct
// value or by indirection through a named secret store, per the provider
// client design. The only concrete secret store implemented here reads
// from the process environment; deployments that need a real vault can
// implement SecretSource against it without touching provider code.
type SecretSource interface {
	Resolve(ref string) (string, error)
}

// EnvSecrets resolves "env:NAME" references against the process
// environment, and passes any other value through unchanged (a "direct
// value" secret per the design).
type EnvSecrets struct{}

func (EnvSecrets) Resolve(ref string) (string, error) {
	if rest, ok := strings.CutPrefix(ref, "env:"); ok {
		v, ok := os.LookupEnv(rest)
		if !ok {
			return "", fmt.Errorf("secret env var %q not set", rest)
		}
		return v, nil
	}
	return ref, nil
}
