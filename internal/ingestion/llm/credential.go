package llm

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"catalogd/internal/apperrors"
)

const commandTimeout = 10 * time.Second

// CredentialSourceKind mirrors config.CredentialSourceKind; duplicated
// here (rather than imported) to keep this package free of a dependency
// on internal/config.
type CredentialSourceKind string

const (
	CredentialNone    CredentialSourceKind = "none"
	CredentialStatic  CredentialSourceKind = "static"
	CredentialCommand CredentialSourceKind = "command"
)

// CredentialSource resolves the current API token for a provider. Shell
// command sources re-run on every call so rotated tokens take effect
// without a restart.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

type noneCredential struct{}

func (noneCredential) Token(ctx context.Context) (string, error) { return "", nil }

type staticCredential struct{ token string }

func (s staticCredential) Token(ctx context.Context) (string, error) { return s.token, nil }

type commandCredential struct{ command string }

func (c commandCredential) Token(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", c.command)
	out, err := cmd.Output()
	if err != nil {
		return "", apperrors.Wrap("llm.commandCredential.Token", apperrors.KindConnection, err)
	}

	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", apperrors.New("llm.commandCredential.Token", apperrors.KindInvalidResponse, "credential command produced empty output")
	}
	return token, nil
}

// NewCredentialSource builds the CredentialSource named by kind.
func NewCredentialSource(kind CredentialSourceKind, static, command string) CredentialSource {
	switch kind {
	case CredentialStatic:
		return staticCredential{token: static}
	case CredentialCommand:
		return commandCredential{command: command}
	default:
		return noneCredential{}
	}
}
