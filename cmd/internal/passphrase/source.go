package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a secret from an environment variable or by
// prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	label  string

	lookupEnv  func(string) (string, bool)
	isTerminal func() bool
	readSecret func() ([]byte, error)
	prompt     io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource returns a source that checks envVar before prompting on the
// terminal. label names the secret in prompts and errors, for example
// "treasury keystore passphrase".
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "passphrase"
	}
	fd := int(os.Stdin.Fd())
	return &Source{
		envVar:     strings.TrimSpace(envVar),
		label:      label,
		lookupEnv:  os.LookupEnv,
		isTerminal: func() bool { return term.IsTerminal(fd) },
		readSecret: func() ([]byte, error) { return term.ReadPassword(fd) },
		prompt:     os.Stderr,
	}
}

// Get returns the cached secret or resolves it on first use. An exported
// environment variable wins even when a terminal is attached. Whitespace-only
// values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !s.isTerminal() {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
			} else {
				s.err = fmt.Errorf("%s required and no terminal available", s.label)
			}
			return
		}

		fmt.Fprintf(s.prompt, "Enter %s: ", s.label)
		secret, err := s.readSecret()
		fmt.Fprintln(s.prompt)
		if err != nil {
			s.err = fmt.Errorf("read %s: %w", s.label, err)
			return
		}
		if strings.TrimSpace(string(secret)) == "" {
			s.err = errors.New(s.label + " cannot be empty")
			return
		}
		s.value = string(secret)
	})
	return s.value, s.err
}
