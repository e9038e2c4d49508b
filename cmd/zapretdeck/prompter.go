package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// terminalPrompter asks for the sudo password on the controlling terminal,
// or reads one line from stdin with --password-stdin.
type terminalPrompter struct {
	fromStdin bool
	in        *os.File
	out       io.Writer
	reader    *bufio.Reader
}

func newPrompter(fromStdin bool) *terminalPrompter {
	return &terminalPrompter{fromStdin: fromStdin, in: os.Stdin, out: os.Stderr}
}

// Prompt returns the secret. It runs in its own goroutine so ctx can abandon it.
func (p *terminalPrompter) Prompt(ctx context.Context) (string, error) {
	type answer struct {
		secret string
		err    error
	}
	done := make(chan answer, 1)
	go func() {
		s, err := p.read()
		done <- answer{s, err}
	}()

	select {
	case a := <-done:
		return a.secret, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *terminalPrompter) read() (string, error) {
	if p.fromStdin {
		if p.reader == nil {
			p.reader = bufio.NewReader(p.in)
		}
		line, err := p.reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("no password on stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to ask for a password (use --password-stdin)")
	}
	fmt.Fprint(p.out, "[sudo] password for zapretdeck: ")
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// Ensure terminalPrompter implements domain.CredentialPrompter.
var _ domain.CredentialPrompter = (*terminalPrompter)(nil)
