package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers and secrets from a single buffered input. Every
// prompt of a command goes through the same Prompter so that bytes buffered
// for one answer are never lost to the next.
type Prompter struct {
	out io.Writer
	br  *bufio.Reader
	fd  int
	tty bool
}

// NewPrompter wraps in. Secrets are read without echo when in is a terminal.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{out: out, br: bufio.NewReader(in), fd: -1}
	if f, ok := in.(interface{ Fd() uintptr }); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
		p.tty = true
	}
	return p
}

// IsTerminal reports whether input comes from a terminal.
func (p *Prompter) IsTerminal() bool {
	return p.tty
}

// ReadLine returns the next line without its line ending, or io.EOF once input is exhausted.
func (p *Prompter) ReadLine() (string, error) {
	line, err := p.br.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadSecret returns the next line without echoing it on a terminal, or
// io.EOF once input is exhausted. The caller should wipe the result.
func (p *Prompter) ReadSecret() ([]byte, error) {
	if p.tty {
		// canonical mode hands out one line per read, so nothing is left buffered
		secret, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return nil, fmt.Errorf("failed to read credential: %w", err)
		}
		return secret, nil
	}
	line, err := p.br.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	for n := len(line); n > 0 && (line[n-1] == '\n' || line[n-1] == '\r'); n = len(line) {
		line = line[:n-1]
	}
	return line, nil
}

// Confirm asks a yes/no question. Anything other than y or yes is a refusal.
func (p *Prompter) Confirm(prompt string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N]: ", prompt)
	line, err := p.ReadLine()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Credential prints prompt and reads a secret.
func (p *Prompter) Credential(prompt string) ([]byte, error) {
	fmt.Fprint(p.out, prompt)
	secret, err := p.ReadSecret()
	if err == io.EOF {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return secret, err
}
