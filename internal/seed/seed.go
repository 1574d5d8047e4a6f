// Package seed loads an organization fixture (entities, persons and their
// roles) from YAML and applies it through the role engine.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/roles"
	"incidentdesk.org/internal/store"
)

// Document is the fixture file layout.
//
//	entities:
//	  - {kind: department, id: dep1, name: Aseo, parent: dir1}
//	persons:
//	  - {id: ana, username: ana, first_name: Ana, role: "department:dep1", manager: true}
type Document struct {
	Entities []EntitySpec `yaml:"entities"`
	Persons  []PersonSpec `yaml:"persons"`
}

type EntitySpec struct {
	Kind   string `yaml:"kind"`
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Parent string `yaml:"parent,omitempty"`
	Region string `yaml:"region,omitempty"`
	// Inactive entities are deactivated after persons are bound.
	Inactive bool `yaml:"inactive,omitempty"`
}

type PersonSpec struct {
	ID        string `yaml:"id"`
	Username  string `yaml:"username"`
	FirstName string `yaml:"first_name,omitempty"`
	LastName  string `yaml:"last_name,omitempty"`
	Role      string `yaml:"role,omitempty"`
	Manager   bool   `yaml:"manager,omitempty"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Entities int
	Persons  int
	Roles    int
}

// Load reads and parses a fixture file.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a fixture, rejecting unknown fields.
func Parse(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("parse seed: %w", err)
	}
	if err := doc.validate(); err != nil {
		return Document{}, fmt.Errorf("invalid seed: %w", err)
	}
	return doc, nil
}

func (d Document) validate() error {
	seen := map[string]bool{}
	for i, e := range d.Entities {
		kind, err := org.ParseKind(e.Kind)
		if err != nil || kind == org.KindNone {
			return fmt.Errorf("entity %d: unknown kind %q", i, e.Kind)
		}
		if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("entity %d: id and name are required", i)
		}
		key := kind.String() + ":" + e.ID
		if seen[key] {
			return fmt.Errorf("entity %s listed twice", key)
		}
		seen[key] = true
	}
	users := map[string]bool{}
	for i, p := range d.Persons {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Username) == "" {
			return fmt.Errorf("person %d: id and username are required", i)
		}
		if users[p.Username] {
			return fmt.Errorf("username %s listed twice", p.Username)
		}
		users[p.Username] = true
		if _, err := org.ParseRole(p.Role); err != nil {
			return fmt.Errorf("person %s: %w", p.ID, err)
		}
	}
	return nil
}

// Apply writes the fixture. Entities and persons are created in one
// transaction; roles are then assigned one by one through the engine so the
// same exclusivity rules apply as for any other caller.
func Apply(ctx context.Context, st store.Store, engine *roles.Engine, doc Document) (Summary, error) {
	var sum Summary
	err := st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, e := range doc.Entities {
			kind, _ := org.ParseKind(e.Kind)
			if _, err := tx.CreateEntity(ctx, org.Entity{
				Kind:     kind,
				ID:       e.ID,
				Name:     e.Name,
				ParentID: e.Parent,
				Region:   e.Region,
				Active:   true,
			}); err != nil {
				return fmt.Errorf("create %s %s: %w", e.Kind, e.ID, err)
			}
			sum.Entities++
		}
		for _, p := range doc.Persons {
			if _, err := tx.CreatePerson(ctx, org.Person{
				ID:        org.PersonID(p.ID),
				Username:  p.Username,
				FirstName: p.FirstName,
				LastName:  p.LastName,
			}); err != nil {
				return fmt.Errorf("create person %s: %w", p.ID, err)
			}
			sum.Persons++
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	for _, p := range doc.Persons {
		role, _ := org.ParseRole(p.Role)
		if !org.HasRole(role) {
			continue
		}
		if _, err := engine.Assign(ctx, roles.AssignRequest{
			PersonID: org.PersonID(p.ID),
			Role:     role,
			Manager:  p.Manager,
		}); err != nil {
			return sum, fmt.Errorf("assign %s: %w", p.ID, err)
		}
		sum.Roles++
	}

	for _, e := range doc.Entities {
		if !e.Inactive {
			continue
		}
		kind, _ := org.ParseKind(e.Kind)
		if _, err := engine.SetActive(ctx, kind, e.ID, false); err != nil {
			return sum, fmt.Errorf("deactivate %s %s: %w", e.Kind, e.ID, err)
		}
	}
	return sum, nil
}
