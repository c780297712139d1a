package ctf

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrBoxSize reports a table estimated for a different image size
var ErrBoxSize = errors.New("ctf box size does not match particles")

// Table is the per-image CTF parameter table as stored on disk
type Table struct {
	// BoxSize is the image side length the parameters were estimated for
	BoxSize int `yaml:"boxSize"`

	// Rows holds one parameter set per image, in stack order
	Rows []Params `yaml:"rows"`
}

// LoadTable reads a YAML CTF table and checks it against the particle box size.
func LoadTable(path string, boxSize int) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading ctf file: %w", err)
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("error parsing ctf file: %w", err)
	}

	if table.BoxSize != boxSize {
		return nil, fmt.Errorf("%w: ctf parameters are for box size %d, particles have %d", ErrBoxSize, table.BoxSize, boxSize)
	}
	if len(table.Rows) == 0 {
		return nil, fmt.Errorf("ctf file %s has no rows", path)
	}
	for i, row := range table.Rows {
		if row.Apix <= 0 {
			return nil, fmt.Errorf("ctf row %d has non-positive pixel size %f", i, row.Apix)
		}
	}

	return &table, nil
}

// SaveTable writes a CTF table as YAML.
func SaveTable(path string, table *Table) error {
	data, err := yaml.Marshal(table)
	if err != nil {
		return fmt.Errorf("error marshaling ctf table: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing ctf file: %w", err)
	}
	return nil
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.Rows)
}

// Subset keeps only the rows at ind, in that order. A nil ind returns t.
func (t *Table) Subset(ind []int) (*Table, error) {
	if ind == nil {
		return t, nil
	}

	rows := make([]Params, len(ind))
	for i, idx := range ind {
		if idx < 0 || idx >= len(t.Rows) {
			return nil, fmt.Errorf("index %d out of range for %d ctf rows", idx, len(t.Rows))
		}
		rows[i] = t.Rows[idx]
	}
	return &Table{BoxSize: t.BoxSize, Rows: rows}, nil
}
