package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// Credential is the elevation secret. It lives in memory only.
type Credential struct {
	secret string
	root   bool
}

// RootCredential is used when the process already runs as root.
func RootCredential() Credential {
	return Credential{root: true}
}

// IsRoot reports whether commands run without sudo.
func (c Credential) IsRoot() bool {
	return c.root
}

// String never reveals the secret.
func (c Credential) String() string {
	if c.root {
		return "root"
	}
	return "sudo"
}

// elevate wraps cmd so it runs with the credential's privileges.
// The secret goes to sudo on stdin, never on the command line.
func (c Credential) elevate(cmd domain.Command) domain.Command {
	if c.root {
		return cmd
	}
	args := append([]string{"-S", "-p", "", "--", cmd.Name}, cmd.Args...)
	return domain.Command{
		Name:     "sudo",
		Args:     args,
		Requires: cmd.Requires,
		Stdin:    c.secret + "\n" + cmd.Stdin,
		Timeout:  cmd.Timeout,
	}
}

// probeCommand is a privileged no-op. -k makes sudo ignore any cached
// timestamp so a wrong secret cannot pass.
func (c Credential) probeCommand(timeout time.Duration) domain.Command {
	return domain.Command{
		Name:    "sudo",
		Args:    []string{"-S", "-k", "-p", "", "true"},
		Stdin:   c.secret + "\n",
		Timeout: timeout,
	}
}

// AcquireCredential returns a validated credential. A cached credential is
// probed again first; when that fails it is cleared and the user is asked once.
func (r *Runner) AcquireCredential(ctx context.Context) (Credential, error) {
	if r.config.Root {
		return RootCredential(), nil
	}

	r.mu.Lock()
	cached := r.cred
	r.mu.Unlock()

	if cached != nil {
		if err := r.probe(ctx, *cached); err == nil {
			return *cached, nil
		}
		r.logger.Warn("cached credential rejected, prompting again")
		r.InvalidateCredential()
	}

	return r.promptCredential(ctx)
}

// cachedCredential returns the cached credential without prompting.
// Used by the silent restart, which must never ask the user.
func (r *Runner) cachedCredential(ctx context.Context) (Credential, error) {
	if r.config.Root {
		return RootCredential(), nil
	}

	r.mu.Lock()
	cached := r.cred
	r.mu.Unlock()

	if cached == nil {
		return Credential{}, domain.NewError(domain.KindAuthFailed, "no cached credential", nil)
	}
	if err := r.probe(ctx, *cached); err != nil {
		r.InvalidateCredential()
		return Credential{}, err
	}
	return *cached, nil
}

func (r *Runner) promptCredential(ctx context.Context) (Credential, error) {
	if r.prompter == nil {
		return Credential{}, domain.NewError(domain.KindAuthFailed, "no way to ask for a password", nil)
	}

	secret, err := r.prompter.Prompt(ctx)
	if err != nil {
		return Credential{}, domain.NewError(domain.KindAuthFailed, "password prompt", err)
	}

	cred := Credential{secret: secret}
	if err := r.probe(ctx, cred); err != nil {
		return Credential{}, err
	}

	r.mu.Lock()
	r.cred = &cred
	r.mu.Unlock()

	r.logger.Info("elevation credential validated")
	return cred, nil
}

// probe validates cred. Any failure, including a missing sudo, is AuthFailed.
func (r *Runner) probe(ctx context.Context, cred Credential) error {
	if cred.root {
		return nil
	}
	if _, err := r.executor.Run(ctx, cred.probeCommand(r.config.ProbeTimeout)); err != nil {
		r.logger.Debug("credential probe failed", zap.Error(err))
		return domain.NewError(domain.KindAuthFailed, "password rejected", err)
	}
	return nil
}

// InvalidateCredential discards the cached credential.
func (r *Runner) InvalidateCredential() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cred = nil
}

// HasCredential reports whether a credential is cached (or not needed).
func (r *Runner) HasCredential() bool {
	if r.config.Root {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cred != nil
}
