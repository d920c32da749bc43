package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Purpose identifies why an email is sent
type Purpose string

const (
	PurposeInvitation    Purpose = "invitation"
	PurposeMagicLink     Purpose = "magic_link"
	PurposePasswordReset Purpose = "password_reset"
)

// Valid reports whether p is a known purpose
func (p Purpose) Valid() bool {
	switch p {
	case PurposeInvitation, PurposeMagicLink, PurposePasswordReset:
		return true
	}
	return false
}

// Message is one outbound email request. The dispatcher owns rendering and
// transport; callers only supply the link and its lifetime.
type Message struct {
	Email            string  `json:"email"`
	URL              string  `json:"url"`
	Purpose          Purpose `json:"purpose"`
	ExpiresInMinutes int     `json:"expires_in_minutes"`
}

// Validate checks the fields every transport needs
func (m Message) Validate() error {
	if strings.TrimSpace(m.Email) == "" {
		return fmt.Errorf("notify: message has no recipient")
	}
	if m.URL == "" {
		return fmt.Errorf("notify: message has no url")
	}
	if !m.Purpose.Valid() {
		return fmt.Errorf("notify: unknown purpose %q", m.Purpose)
	}
	return nil
}

// Dispatcher delivers messages
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, msg Message) error

// Send implements Dispatcher
func (f DispatcherFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Multi sends every message through all dispatchers and joins their errors
type Multi []Dispatcher

// Send implements Dispatcher
func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, d := range m {
		if err := d.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
