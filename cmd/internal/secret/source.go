// Package secret resolves a signing key for the command line tools without
// putting it in the shell history.
package secret

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a secret from an explicit value, an environment variable,
// or a terminal prompt, in that order. The result is cached.
type Source struct {
	explicit string
	envVar   string
	prompt   string
	lookup   func(string) (string, bool)
	stdin    *os.File
	stderr   io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource builds a Source. explicit wins when non-empty.
func NewSource(explicit, envVar, prompt string) *Source {
	return &Source{
		explicit: explicit,
		envVar:   strings.TrimSpace(envVar),
		prompt:   prompt,
		lookup:   os.LookupEnv,
		stdin:    os.Stdin,
		stderr:   os.Stderr,
	}
}

// Get returns the secret, resolving it on first use.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.explicit != "" {
		return s.explicit, nil
	}
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	fd := int(s.stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("secret required; pass it, set %s, or run interactively", s.envVar)
		}
		return "", errors.New("secret required and no terminal available")
	}
	fmt.Fprint(s.stderr, s.prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(s.stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("secret cannot be empty")
	}
	return string(raw), nil
}
