package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/lib/pq"
)

const personColumns = "id, name, face_count, auto_named, created_at, updated_at"

// PersonRepository manages persons and face assignment in PostgreSQL.
type PersonRepository struct {
	pool *Pool
}

// NewPersonRepository creates a new PostgreSQL person repository.
func NewPersonRepository(pool *Pool) *PersonRepository {
	return &PersonRepository{pool: pool}
}

func scanPerson(scanner interface{ Scan(...any) error }) (database.Person, error) {
	var p database.Person
	err := scanner.Scan(&p.ID, &p.Name, &p.FaceCount, &p.AutoNamed, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// refreshFaceCounts recomputes face_count for the given persons.
func refreshFaceCounts(ctx context.Context, tx *sql.Tx, personIDs []int64) error {
	if len(personIDs) == 0 {
		return nil
	}
	slices.Sort(personIDs)
	personIDs = slices.Compact(personIDs)

	_, err := tx.ExecContext(ctx, `
		UPDATE persons p
		SET face_count = (SELECT COUNT(*) FROM faces f WHERE f.person_id = p.id), updated_at = NOW()
		WHERE p.id = ANY($1)
	`, pq.Array(personIDs))
	if err != nil {
		return fmt.Errorf("refresh face counts: %w", err)
	}
	return nil
}

// lockPersons locks the given person rows and reports whether all exist.
func lockPersons(ctx context.Context, tx *sql.Tx, ids ...int64) error {
	for _, id := range ids {
		var found int64
		err := tx.QueryRowContext(ctx, "SELECT id FROM persons WHERE id = $1 FOR UPDATE", id).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("person %d: %w", id, database.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock person %d: %w", id, err)
		}
	}
	return nil
}

// assignFaces points faceIDs at personID and refreshes every affected count.
func assignFaces(ctx context.Context, tx *sql.Tx, faceIDs []int64, personID int64) (int, error) {
	if len(faceIDs) == 0 {
		return 0, nil
	}

	rows, err := tx.QueryContext(ctx, `
		WITH previous AS (
			SELECT id, person_id FROM faces WHERE id = ANY($1) FOR UPDATE
		)
		UPDATE faces f SET person_id = $2
		FROM previous
		WHERE f.id = previous.id
		RETURNING previous.person_id
	`, pq.Array(faceIDs), personID)
	if err != nil {
		return 0, fmt.Errorf("assign faces: %w", err)
	}
	defer rows.Close()

	affected := 0
	touched := []int64{personID}
	for rows.Next() {
		var previous sql.NullInt64
		if err := rows.Scan(&previous); err != nil {
			return 0, fmt.Errorf("scan previous person: %w", err)
		}
		affected++
		if previous.Valid {
			touched = append(touched, previous.Int64)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate assigned faces: %w", err)
	}
	rows.Close()

	if err := refreshFaceCounts(ctx, tx, touched); err != nil {
		return 0, err
	}
	return affected, nil
}

// CreatePersonWithFaces creates a person and assigns the faces to it atomically.
func (r *PersonRepository) CreatePersonWithFaces(
	ctx context.Context, name string, autoNamed bool, faceIDs []int64,
) (*database.Person, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		"INSERT INTO persons (name, auto_named) VALUES ($1, $2) RETURNING id", name, autoNamed).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert person: %w", err)
	}

	assigned, err := assignFaces(ctx, tx, faceIDs, id)
	if err != nil {
		return nil, err
	}
	if assigned == 0 {
		return nil, fmt.Errorf("faces %v: %w", faceIDs, database.ErrNotFound)
	}

	person, err := scanPerson(tx.QueryRowContext(ctx, "SELECT "+personColumns+" FROM persons WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("read person: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &person, nil
}

// GetPerson retrieves a person by id, returns nil if not found.
func (r *PersonRepository) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	person, err := scanPerson(r.pool.QueryRow(ctx, "SELECT "+personColumns+" FROM persons WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return &person, nil
}

// ListPersons returns all persons ordered by id.
func (r *PersonRepository) ListPersons(ctx context.Context) ([]database.Person, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+personColumns+" FROM persons ORDER BY id")
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
func (r *PersonRepository) CountPersons(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM persons").Scan(&count); err != nil {
		return 0, fmt.Errorf("count persons: %w", err)
	}
	return count, nil
}

// AssignFaces points the faces at personID.
func (r *PersonRepository) AssignFaces(ctx context.Context, faceIDs []int64, personID int64) (int, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockPersons(ctx, tx, personID); err != nil {
		return 0, err
	}
	n, err := assignFaces(ctx, tx, faceIDs, personID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return n, nil
}

// UnassignFace clears the person of a face and returns the previous person id.
func (r *PersonRepository) UnassignFace(ctx context.Context, faceID int64) (int64, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previous sql.NullInt64
	err = tx.QueryRowContext(ctx, "SELECT person_id FROM faces WHERE id = $1 FOR UPDATE", faceID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("face %d: %w", faceID, database.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read face person: %w", err)
	}
	if !previous.Valid {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, "UPDATE faces SET person_id = NULL WHERE id = $1", faceID); err != nil {
		return 0, fmt.Errorf("unassign face: %w", err)
	}
	if err := refreshFaceCounts(ctx, tx, []int64{previous.Int64}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return previous.Int64, nil
}

// MergePersons moves every face of source to target and deletes source in one transaction.
func (r *PersonRepository) MergePersons(ctx context.Context, sourceID, targetID int64) (int, error) {
	if sourceID == targetID {
		return 0, errors.New("cannot merge a person into itself")
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock in id order so concurrent merges cannot deadlock.
	if err := lockPersons(ctx, tx, min(sourceID, targetID), max(sourceID, targetID)); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, "UPDATE faces SET person_id = $1 WHERE person_id = $2", targetID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("move faces: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("move faces: %w", err)
	}
	if err := refreshFaceCounts(ctx, tx, []int64{targetID}); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM persons WHERE id = $1", sourceID); err != nil {
		return 0, fmt.Errorf("delete source person: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return int(moved), nil
}

// DeleteOrphanPersons removes persons without faces.
func (r *PersonRepository) DeleteOrphanPersons(ctx context.Context) (int, error) {
	res, err := r.pool.Exec(ctx,
		"DELETE FROM persons p WHERE NOT EXISTS (SELECT 1 FROM faces f WHERE f.person_id = p.id)")
	if err != nil {
		return 0, fmt.Errorf("delete orphan persons: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete orphan persons: %w", err)
	}
	return int(n), nil
}

var _ database.PersonStore = (*PersonRepository)(nil)
