package store

import "strings"

// Person is a read-only organizational directory entry that segments reference as actors.
type Person struct {
	ID        string
	TenantID  string
	FirstName string
	LastName  string
}

func (p Person) Name() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Unit is a read-only organizational unit that segments reference.
type Unit struct {
	ID       string
	TenantID string
	Title    string
}
