// Package directory resolves phone numbers to people and extensions to
// display names.
package directory

import (
	"context"
	"strings"
	"sync"
)

// Person is a directory record.
type Person struct {
	ID     int64
	Name   string
	Number string
}

// Directory is the lookup collaborator used by the engine.
//
// ResolvePerson may block on I/O and is only called from the lookup pool.
// A nil person with a nil error means the number is not (yet) known.
// ExtensionName is called on the message path and must not block; it
// returns "" for unknown extensions.
type Directory interface {
	ResolvePerson(ctx context.Context, number string) (*Person, error)
	ExtensionName(extension string) string
}

// Static is an in-memory Directory.
type Static struct {
	mu         sync.RWMutex
	people     map[string]Person
	extensions map[string]string
}

// NewStatic creates a Static directory from an extension name map and an
// optional list of people.
func NewStatic(extensions map[string]string, people ...Person) *Static {
	d := &Static{
		people:     make(map[string]Person),
		extensions: make(map[string]string),
	}
	for ext, name := range extensions {
		d.extensions[strings.TrimSpace(ext)] = name
	}
	for _, p := range people {
		d.people[p.Number] = p
	}
	return d
}

// Put adds or replaces a person.
func (d *Static) Put(p Person) {
	d.mu.Lock()
	d.people[p.Number] = p
	d.mu.Unlock()
}

func (d *Static) ResolvePerson(_ context.Context, number string) (*Person, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.people[number]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (d *Static) ExtensionName(extension string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.extensions[extension]
}
