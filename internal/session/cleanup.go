package session

import (
	"errors"
	"fmt"
	"log/slog"
)

type release struct {
	name string
	fn   func() error
}

// releaseStack records acquired resources so they can be released in
// reverse acquisition order, whichever step failed.
type releaseStack []release

func (s *releaseStack) push(name string, fn func() error) {
	*s = append(*s, release{name: name, fn: fn})
}

// unwind releases everything and empties the stack. Every release runs even
// if an earlier one fails.
func (s *releaseStack) unwind(log *slog.Logger) error {
	var errs []error
	for i := len(*s) - 1; i >= 0; i-- {
		r := (*s)[i]
		if err := r.fn(); err != nil {
			log.Warn("release failed", "resource", r.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
			continue
		}
		log.Debug("released", "resource", r.name)
	}
	*s = (*s)[:0]
	return errors.Join(errs...)
}
