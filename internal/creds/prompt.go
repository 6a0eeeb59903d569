package creds

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// Prompter reads one passphrase from the user.
type Prompter interface {
	ReadPassphrase(prompt string) (string, error)
}

// TerminalPrompter reads from the controlling terminal with echo
// disabled. It returns io.EOF when the terminal is closed on it
// (ctrl-d), which the handshake treats as the user giving up.
type TerminalPrompter struct{}

func (t *TerminalPrompter) ReadPassphrase(prompt string) (string, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("opening terminal: %w", err)
	}
	defer tty.Close()

	fmt.Fprint(tty, prompt)
	pw, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(tty)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
