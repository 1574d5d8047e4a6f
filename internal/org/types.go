package org

import (
	"strings"
	"time"
)

// Person is an individual who may hold zero or one operational role.
// Version increases on every role change and guards concurrent reassignment.
type Person struct {
	ID        PersonID  `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      Role      `json:"-"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName is "First Last", falling back to the username.
func (p Person) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		return p.Username
	}
	return name
}

// Entity is one unit of the organization.
//
// ParentID links a department to its direction and a crew to its department.
// Region and HolderID are only meaningful for territorial and secpla entities.
type Entity struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	Region    string    `json:"region,omitempty"`
	HolderID  PersonID  `json:"holder_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Role returns the role that binds a person to this entity.
func (e Entity) Role() (Role, error) {
	return NewRole(e.Kind, e.ID)
}

// Membership binds a person to a direction, department or crew.
type Membership struct {
	Kind      Kind      `json:"kind"`
	EntityID  string    `json:"entity_id"`
	PersonID  PersonID  `json:"person_id"`
	Manager   bool      `json:"manager"`
	CreatedAt time.Time `json:"created_at"`
}
