package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/flowguard/internal/links"
)

// ErrInjected is the default error returned by FailingLink.
var ErrInjected = errors.New("testutil: injected link failure")

// RecordingLink records every change it is given and accepts all of them.
type RecordingLink struct {
	name    string
	mu      sync.Mutex
	changes []links.ActivationChange
}

// NewRecordingLink creates a recording link called name.
func NewRecordingLink(name string) *RecordingLink {
	return &RecordingLink{name: name}
}

func (l *RecordingLink) Name() string { return l.name }

func (l *RecordingLink) OnActivationChanged(_ context.Context, change links.ActivationChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
	return nil
}

// Changes returns a copy of the recorded changes in delivery order.
func (l *RecordingLink) Changes() []links.ActivationChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]links.ActivationChange(nil), l.changes...)
}

// FailingLink rejects changes. With a nil When it rejects all of them.
type FailingLink struct {
	LinkName string
	Err      error
	When     func(links.ActivationChange) bool

	mu       sync.Mutex
	attempts int
}

func (l *FailingLink) Name() string {
	if l.LinkName == "" {
		return "failing"
	}
	return l.LinkName
}

func (l *FailingLink) OnActivationChanged(_ context.Context, change links.ActivationChange) error {
	l.mu.Lock()
	l.attempts++
	l.mu.Unlock()

	if l.When != nil && !l.When(change) {
		return nil
	}
	if l.Err != nil {
		return l.Err
	}
	return ErrInjected
}

// Attempts returns how many changes were offered.
func (l *FailingLink) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// PanickingLink panics on every change.
type PanickingLink struct{}

func (PanickingLink) Name() string { return "panicking" }

func (PanickingLink) OnActivationChanged(context.Context, links.ActivationChange) error {
	panic("testutil: link exploded")
}
