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

// ErrUnavailable reports that no secret was configured and no terminal was
// available to prompt for one.
var ErrUnavailable = errors.New("gateway signing secret not configured")

// Source resolves the gateway signing secret. The environment variable wins,
// then the configured value, then an interactive prompt. The result is cached
// after the first call.
type Source struct {
	envVar     string
	configured string
	prompt     func() (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource builds a source that prompts on the controlling terminal as a
// last resort.
func NewSource(envVar, configured string) *Source {
	return &Source{
		envVar:     strings.TrimSpace(envVar),
		configured: strings.TrimSpace(configured),
		prompt:     terminalPrompt(os.Stdin, os.Stderr),
	}
}

// Get returns the resolved secret.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}
		if s.configured != "" {
			s.value = s.configured
			return
		}
		if s.prompt == nil {
			s.err = ErrUnavailable
			return
		}
		value, err := s.prompt()
		if err != nil {
			s.err = err
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = errors.New("gateway signing secret cannot be empty")
			return
		}
		s.value = strings.TrimSpace(value)
	})
	return s.value, s.err
}

func terminalPrompt(in *os.File, out io.Writer) func() (string, error) {
	return func() (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", ErrUnavailable
		}
		fmt.Fprint(out, "Enter gateway signing secret: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(raw), nil
	}
}
