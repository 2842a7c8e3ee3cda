package shipper

import (
	"fmt"
	"os"
)

// StaticTokenProvider serves one fixed bearer token.
type StaticTokenProvider string

func (p StaticTokenProvider) Token() (string, error) {
	if p == "" {
		return "", fmt.Errorf("no token configured")
	}
	return string(p), nil
}

// EnvTokenProvider reads the bearer token from an environment variable on
// every request, so a platform token rotator can refresh the credential
// without a worker restart.
type EnvTokenProvider struct {
	Variable string
}

func (p EnvTokenProvider) Token() (string, error) {
	token := os.Getenv(p.Variable)
	if token == "" {
		return "", fmt.Errorf("environment variable %s holds no token", p.Variable)
	}
	return token, nil
}
