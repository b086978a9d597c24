package store

import (
	"context"
	"fmt"
)

// The people and units tables belong to the organizational directory. This service
// only reads them.

func (s *SQLStore) ListPeople(ctx context.Context, tenantID string) ([]Person, error) {
	return s.people(ctx, `tenant_id = ?`, []any{tenantID})
}

func (s *SQLStore) ListUnits(ctx context.Context, tenantID string) ([]Unit, error) {
	return s.units(ctx, `tenant_id = ?`, []any{tenantID})
}

// PeopleByID resolves the given ids; ids unknown to the directory are absent from the result.
func (s *SQLStore) PeopleByID(ctx context.Context, tenantID string, ids []string) (map[string]Person, error) {
	result := make(map[string]Person, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	people, err := s.people(ctx, `tenant_id = ? AND id IN (`+placeholders(len(ids))+`)`, inArgs(tenantID, ids))
	if err != nil {
		return nil, err
	}
	for _, person := range people {
		result[person.ID] = person
	}
	return result, nil
}

func (s *SQLStore) UnitsByID(ctx context.Context, tenantID string, ids []string) (map[string]Unit, error) {
	result := make(map[string]Unit, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	units, err := s.units(ctx, `tenant_id = ? AND id IN (`+placeholders(len(ids))+`)`, inArgs(tenantID, ids))
	if err != nil {
		return nil, err
	}
	for _, unit := range units {
		result[unit.ID] = unit
	}
	return result, nil
}

// UpsertPerson and UpsertUnit seed the directory for local runs and tests.
func (s *SQLStore) UpsertPerson(ctx context.Context, person Person) error {
	_, err := s.conn().exec(ctx, `
		INSERT INTO people (id, tenant_id, first_name, last_name) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, first_name = excluded.first_name, last_name = excluded.last_name
	`, person.ID, person.TenantID, person.FirstName, person.LastName)
	if err != nil {
		return fmt.Errorf("upsert person: %w", err)
	}
	return nil
}

func (s *SQLStore) UpsertUnit(ctx context.Context, unit Unit) error {
	_, err := s.conn().exec(ctx, `
		INSERT INTO units (id, tenant_id, title) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, title = excluded.title
	`, unit.ID, unit.TenantID, unit.Title)
	if err != nil {
		return fmt.Errorf("upsert unit: %w", err)
	}
	return nil
}

func (s *SQLStore) people(ctx context.Context, filter string, args []any) ([]Person, error) {
	rows, err := s.conn().query(ctx, `
		SELECT id, tenant_id, first_name, last_name FROM people
		WHERE `+filter+`
		ORDER BY last_name, first_name, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	defer rows.Close()

	people := make([]Person, 0)
	for rows.Next() {
		var person Person
		if err := rows.Scan(&person.ID, &person.TenantID, &person.FirstName, &person.LastName); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		people = append(people, person)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate people: %w", err)
	}
	return people, nil
}

func (s *SQLStore) units(ctx context.Context, filter string, args []any) ([]Unit, error) {
	rows, err := s.conn().query(ctx, `
		SELECT id, tenant_id, title FROM units
		WHERE `+filter+`
		ORDER BY title, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	units := make([]Unit, 0)
	for rows.Next() {
		var unit Unit
		if err := rows.Scan(&unit.ID, &unit.TenantID, &unit.Title); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return units, nil
}

func inArgs(tenantID string, ids []string) []any {
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}
