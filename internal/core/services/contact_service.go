package services

import (
	"fmt"
	"strings"
	"sync"

	"intercom/internal/core/domain"
)

// ContactBook holds the list of call destinations and the current selection.
type ContactBook struct {
	mu          sync.RWMutex
	ownName     string
	defaultName string
	names       []string
	selected    int
}

func NewContactBook(ownName, defaultName string) *ContactBook {
	if defaultName == "" {
		defaultName = domain.DefaultContact
	}
	return &ContactBook{
		ownName:     ownName,
		defaultName: defaultName,
		names:       []string{defaultName},
	}
}

// SetCSV replaces the list from a comma separated string. Names are trimmed,
// blanks and this device's own name are skipped, and the default contact is
// used when nothing remains. The selection survives if its name does.
func (b *ContactBook) SetCSV(csv string) domain.Contacts {
	b.mu.Lock()
	defer b.mu.Unlock()

	previous := b.current()

	names := make([]string, 0, 16)
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if name == "" || name == b.ownName {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		names = append(names, b.defaultName)
	}

	b.names = names
	b.selected = 0
	for i, name := range names {
		if name == previous {
			b.selected = i
			break
		}
	}
	return b.snapshot()
}

// Next advances the selection, wrapping around.
func (b *ContactBook) Next() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selected = (b.selected + 1) % len(b.names)
	return b.current()
}

// Prev moves the selection back, wrapping around.
func (b *ContactBook) Prev() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selected = (b.selected + len(b.names) - 1) % len(b.names)
	return b.current()
}

// Select picks a destination by name.
func (b *ContactBook) Select(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.names {
		if n == name {
			b.selected = i
			return nil
		}
	}
	return fmt.Errorf("contact %q: %w", name, domain.ErrNotFound)
}

// Current returns the selected destination.
func (b *ContactBook) Current() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current()
}

func (b *ContactBook) Snapshot() domain.Contacts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot()
}

func (b *ContactBook) current() string {
	if len(b.names) == 0 {
		return b.defaultName
	}
	return b.names[b.selected%len(b.names)]
}

func (b *ContactBook) snapshot() domain.Contacts {
	return domain.Contacts{
		Names:    append([]string(nil), b.names...),
		Selected: b.selected,
	}
}
