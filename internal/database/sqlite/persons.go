package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

const personColumns = "id, name, face_count, auto_named, created_at, updated_at"

func scanPerson(scanner interface{ Scan(...any) error }) (database.Person, error) {
	var p database.Person
	err := scanner.Scan(&p.ID, &p.Name, &p.FaceCount, &p.AutoNamed, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// refreshFaceCounts recomputes face_count for the given persons.
func refreshFaceCounts(ctx context.Context, tx *sql.Tx, personIDs []int64, now time.Time) error {
	slices.Sort(personIDs)
	for _, id := range slices.Compact(personIDs) {
		_, err := tx.ExecContext(ctx, `
			UPDATE persons
			SET face_count = (SELECT COUNT(*) FROM faces WHERE person_id = ?), updated_at = ?
			WHERE id = ?
		`, id, now, id)
		if err != nil {
			return fmt.Errorf("refresh face count of person %d: %w", id, err)
		}
	}
	return nil
}

// currentOwners returns the persons that currently own any of the faces.
func currentOwners(ctx context.Context, tx *sql.Tx, faceIDs []int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT DISTINCT person_id FROM faces WHERE person_id IS NOT NULL AND id IN ("+placeholders(len(faceIDs))+")",
		int64Args(faceIDs)...)
	if err != nil {
		return nil, fmt.Errorf("query face owners: %w", err)
	}
	defer rows.Close()

	var owners []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan face owner: %w", err)
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate face owners: %w", err)
	}
	return owners, nil
}

// assignFaces points faceIDs at personID and refreshes every affected count.
func assignFaces(ctx context.Context, tx *sql.Tx, faceIDs []int64, personID int64, now time.Time) (int, error) {
	if len(faceIDs) == 0 {
		return 0, nil
	}
	owners, err := currentOwners(ctx, tx, faceIDs)
	if err != nil {
		return 0, err
	}

	args := append([]any{personID}, int64Args(faceIDs)...)
	res, err := tx.ExecContext(ctx,
		"UPDATE faces SET person_id = ? WHERE id IN ("+placeholders(len(faceIDs))+")", args...)
	if err != nil {
		return 0, fmt.Errorf("assign faces: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("assign faces: %w", err)
	}
	if err := refreshFaceCounts(ctx, tx, append(owners, personID), now); err != nil {
		return 0, err
	}
	return int(affected), nil
}

func personExists(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM persons WHERE id = ?)", id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check person exists: %w", err)
	}
	return exists, nil
}

// CreatePersonWithFaces creates a person and assigns the faces to it atomically.
func (s *Store) CreatePersonWithFaces(
	ctx context.Context, name string, autoNamed bool, faceIDs []int64,
) (*database.Person, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO persons (name, face_count, auto_named, created_at, updated_at) VALUES (?, 0, ?, ?, ?)",
		name, autoNamed, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert person: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("person id: %w", err)
	}

	assigned, err := assignFaces(ctx, tx, faceIDs, id, now)
	if err != nil {
		return nil, err
	}
	if assigned == 0 {
		return nil, fmt.Errorf("faces %v: %w", faceIDs, database.ErrNotFound)
	}

	person, err := scanPerson(tx.QueryRowContext(ctx, "SELECT "+personColumns+" FROM persons WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("read person: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &person, nil
}

// GetPerson retrieves a person by id, returns nil if not found.
func (s *Store) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	person, err := scanPerson(s.db.QueryRowContext(ctx, "SELECT "+personColumns+" FROM persons WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return &person, nil
}

// ListPersons returns all persons ordered by id.
func (s *Store) ListPersons(ctx context.Context) ([]database.Person, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+personColumns+" FROM persons ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer rows.Close()

	var persons []database.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}

// CountPersons returns the number of persons.
func (s *Store) CountPersons(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM persons").Scan(&count); err != nil {
		return 0, fmt.Errorf("count persons: %w", err)
	}
	return count, nil
}

// AssignFaces points the faces at personID.
func (s *Store) AssignFaces(ctx context.Context, faceIDs []int64, personID int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := personExists(ctx, tx, personID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("person %d: %w", personID, database.ErrNotFound)
	}

	n, err := assignFaces(ctx, tx, faceIDs, personID, s.now())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return n, nil
}

// UnassignFace clears the person of a face and returns the previous person id.
func (s *Store) UnassignFace(ctx context.Context, faceID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previous sql.NullInt64
	err = tx.QueryRowContext(ctx, "SELECT person_id FROM faces WHERE id = ?", faceID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("face %d: %w", faceID, database.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read face person: %w", err)
	}
	if !previous.Valid {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, "UPDATE faces SET person_id = NULL WHERE id = ?", faceID); err != nil {
		return 0, fmt.Errorf("unassign face: %w", err)
	}
	if err := refreshFaceCounts(ctx, tx, []int64{previous.Int64}, s.now()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return previous.Int64, nil
}

// MergePersons moves every face of source to target and deletes source in one transaction.
func (s *Store) MergePersons(ctx context.Context, sourceID, targetID int64) (int, error) {
	if sourceID == targetID {
		return 0, errors.New("cannot merge a person into itself")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range []int64{sourceID, targetID} {
		exists, err := personExists(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, fmt.Errorf("person %d: %w", id, database.ErrNotFound)
		}
	}

	res, err := tx.ExecContext(ctx, "UPDATE faces SET person_id = ? WHERE person_id = ?", targetID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("move faces: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("move faces: %w", err)
	}
	if err := refreshFaceCounts(ctx, tx, []int64{targetID}, s.now()); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM persons WHERE id = ?", sourceID); err != nil {
		return 0, fmt.Errorf("delete source person: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return int(moved), nil
}

// DeleteOrphanPersons removes persons without faces.
func (s *Store) DeleteOrphanPersons(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM persons WHERE NOT EXISTS (SELECT 1 FROM faces WHERE faces.person_id = persons.id)")
	if err != nil {
		return 0, fmt.Errorf("delete orphan persons: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete orphan persons: %w", err)
	}
	return int(n), nil
}
