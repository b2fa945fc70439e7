package recognition

import (
	"context"
	"database/sql"
	"sync"
)

// Directory maps recognizer labels to stable person ids.
type Directory interface {
	Lookup(label Label) (personID string, ok bool)
}

// Person is an identity known to the recognizer.
type Person struct {
	Label        string `json:"label" yaml:"label"`
	PersonID     string `json:"person_id" yaml:"person_id"`
	DisplayLabel string `json:"display_label" yaml:"display_label"`
}

// MapDirectory is an in-memory directory.
type MapDirectory struct {
	mu      sync.RWMutex
	byLabel map[Label]Person
}

// NewMapDirectory builds a directory from a person list.
func NewMapDirectory(people []Person) *MapDirectory {
	d := &MapDirectory{}
	d.Replace(people)
	return d
}

// Replace swaps the directory contents.
func (d *MapDirectory) Replace(people []Person) {
	m := make(map[Label]Person, len(people))
	for _, p := range people {
		m[Label(p.Label)] = p
	}
	d.mu.Lock()
	d.byLabel = m
	d.mu.Unlock()
}

// Lookup implements Directory.
func (d *MapDirectory) Lookup(label Label) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byLabel[label]
	if !ok || p.PersonID == "" {
		return "", false
	}
	return p.PersonID, true
}

// DisplayLabel returns the human-readable name for a person id, if known.
func (d *MapDirectory) DisplayLabel(personID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.byLabel {
		if p.PersonID == personID {
			return p.DisplayLabel
		}
	}
	return ""
}

// LoadPersons reads the persons table.
func LoadPersons(ctx context.Context, db *sql.DB) ([]Person, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT label, person_id, display_label
		FROM persons
		ORDER BY label
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var people []Person
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.Label, &p.PersonID, &p.DisplayLabel); err != nil {
			return nil, err
		}
		people = append(people, p)
	}
	return people, rows.Err()
}
