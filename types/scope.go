// Package types defines the data model shared by every part of the
// synchronization engine: scopes, tables, tracked rows, change records and
// the error taxonomy.
package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrInvalidScope is returned when a scope definition is malformed.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrDependencyCycle is returned when tables of a scope depend on each other.
	ErrDependencyCycle = errors.New("table dependency cycle")
)

// Column describes a single column of a synchronized table.
type Column struct {
	Name     string     `json:"name" bson:"name" yaml:"name"`
	Type     ColumnType `json:"type" bson:"type" yaml:"type"`
	Nullable bool       `json:"nullable,omitempty" bson:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// TableFilter restricts the rows of a table to those whose Column equals the
// value of the scope filter parameter named Parameter.
type TableFilter struct {
	Column    string `json:"column" bson:"column" yaml:"column"`
	Parameter string `json:"parameter" bson:"parameter" yaml:"parameter"`
}

// Table is the setup of one synchronized table.
type Table struct {
	Name       string        `json:"name" bson:"name" yaml:"name"`
	Columns    []Column      `json:"columns" bson:"columns" yaml:"columns"`
	PrimaryKey []string      `json:"primary_key" bson:"primary_key" yaml:"primary_key"`
	DependsOn  []string      `json:"depends_on,omitempty" bson:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Filters    []TableFilter `json:"filters,omitempty" bson:"filters,omitempty" yaml:"filters,omitempty"`
}

// FilterParameter is a named, typed parameter a client supplies to restrict
// the rows it synchronizes.
type FilterParameter struct {
	Name string     `json:"name" bson:"name" yaml:"name"`
	Type ColumnType `json:"type" bson:"type" yaml:"type"`
}

// Scope is a named, versioned set of tables synchronized as a unit.
type Scope struct {
	Name       string            `json:"name" bson:"name" yaml:"name"`
	Tables     []Table           `json:"tables" bson:"tables" yaml:"tables"`
	Parameters []FilterParameter `json:"parameters,omitempty" bson:"parameters,omitempty" yaml:"parameters,omitempty"`
	Version    string            `json:"version" bson:"version" yaml:"version"`
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// KeyColumns returns the primary key columns in key order.
func (t *Table) KeyColumns() []Column {
	cols := make([]Column, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		if i := t.ColumnIndex(name); i >= 0 {
			cols = append(cols, t.Columns[i])
		}
	}
	return cols
}

// KeyOf extracts the primary key values from a full row.
func (t *Table) KeyOf(values []any) []any {
	key := make([]any, len(t.PrimaryKey))
	for i, name := range t.PrimaryKey {
		if idx := t.ColumnIndex(name); idx >= 0 && idx < len(values) {
			key[i] = values[idx]
		}
	}
	return key
}

// FilterColumns returns the distinct columns used by the table's filters.
func (t *Table) FilterColumns() []Column {
	var cols []Column
	seen := make(map[string]bool)
	for _, f := range t.Filters {
		if seen[f.Column] {
			continue
		}
		seen[f.Column] = true
		if i := t.ColumnIndex(f.Column); i >= 0 {
			cols = append(cols, t.Columns[i])
		}
	}
	return cols
}

// Table returns the table with the given name.
func (s *Scope) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Parameter returns the filter parameter with the given name.
func (s *Scope) Parameter(name string) (*FilterParameter, bool) {
	for i := range s.Parameters {
		if s.Parameters[i].Name == name {
			return &s.Parameters[i], true
		}
	}
	return nil, false
}

// Validate checks that the scope is well formed.
func (s *Scope) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty scope name", ErrInvalidScope)
	}
	if len(s.Tables) == 0 {
		return fmt.Errorf("%w: scope %s has no tables", ErrInvalidScope, s.Name)
	}

	params := make(map[string]bool)
	for _, p := range s.Parameters {
		if p.Name == "" || params[p.Name] {
			return fmt.Errorf("%w: bad or duplicate parameter %q", ErrInvalidScope, p.Name)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("%w: parameter %s has unknown type %q", ErrInvalidScope, p.Name, p.Type)
		}
		params[p.Name] = true
	}

	names := make(map[string]bool)
	for _, t := range s.Tables {
		if t.Name == "" || names[t.Name] {
			return fmt.Errorf("%w: bad or duplicate table %q", ErrInvalidScope, t.Name)
		}
		names[t.Name] = true
	}

	for _, t := range s.Tables {
		if len(t.PrimaryKey) == 0 {
			return fmt.Errorf("%w: table %s has no primary key", ErrInvalidScope, t.Name)
		}
		cols := make(map[string]bool)
		for _, c := range t.Columns {
			if c.Name == "" || cols[c.Name] {
				return fmt.Errorf("%w: table %s has bad or duplicate column %q", ErrInvalidScope, t.Name, c.Name)
			}
			if !c.Type.Valid() {
				return fmt.Errorf("%w: column %s.%s has unknown type %q", ErrInvalidScope, t.Name, c.Name, c.Type)
			}
			cols[c.Name] = true
		}
		for _, k := range t.PrimaryKey {
			if !cols[k] {
				return fmt.Errorf("%w: primary key column %s.%s does not exist", ErrInvalidScope, t.Name, k)
			}
		}
		for _, f := range t.Filters {
			if !cols[f.Column] {
				return fmt.Errorf("%w: filter column %s.%s does not exist", ErrInvalidScope, t.Name, f.Column)
			}
			if !params[f.Parameter] {
				return fmt.Errorf("%w: filter parameter %q of table %s is not declared", ErrInvalidScope, f.Parameter, t.Name)
			}
		}
		for _, d := range t.DependsOn {
			if !names[d] {
				return fmt.Errorf("%w: table %s depends on unknown table %s", ErrInvalidScope, t.Name, d)
			}
		}
	}

	_, err := s.OrderedTables()
	return err
}

// OrderedTables returns the tables sorted so that every table comes after the
// tables it depends on. Declaration order breaks ties.
func (s *Scope) OrderedTables() ([]Table, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(s.Tables))
	ordered := make([]Table, 0, len(s.Tables))

	var visit func(t *Table) error
	visit = func(t *Table) error {
		switch state[t.Name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrDependencyCycle, t.Name)
		}
		state[t.Name] = visiting
		for _, dep := range t.DependsOn {
			parent, ok := s.Table(dep)
			if !ok {
				return fmt.Errorf("%w: table %s depends on unknown table %s", ErrInvalidScope, t.Name, dep)
			}
			if err := visit(parent); err != nil {
				return err
			}
		}
		state[t.Name] = done
		ordered = append(ordered, *t)
		return nil
	}

	for i := range s.Tables {
		if err := visit(&s.Tables[i]); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// Hash returns a stable fingerprint of the scope's schema: tables, columns,
// keys, filters and parameters. The version string is not part of it.
func (s *Scope) Hash() string {
	schema := struct {
		Name       string            `json:"name"`
		Tables     []Table           `json:"tables"`
		Parameters []FilterParameter `json:"parameters"`
	}{s.Name, s.Tables, s.Parameters}

	data, err := json.Marshal(schema)
	if err != nil {
		// Marshalling plain strings and slices cannot fail.
		panic(fmt.Sprintf("marshal scope schema: %v", err))
	}
	return chainhash.DoubleHashH(data).String()
}
