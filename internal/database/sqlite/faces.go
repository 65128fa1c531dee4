package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/vector"
	"github.com/pgvector/pgvector-go"
)

const faceColumns = `id, photo_id, face_index, bbox, confidence, embedding, dim,
	semantic_embedding, semantic_dim, descriptor_version, person_id, created_at`

// vectorValue stores descriptors in pgvector's text form; empty descriptors are NULL.
func vectorValue(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

// scanFaceRow scans a single row into a StoredFace, with optional extra scan destinations
// appended after the standard face columns (e.g., a distance column).
func scanFaceRow(scanner interface{ Scan(...any) error }, extraDest ...any) (database.StoredFace, error) {
	var face database.StoredFace
	var bbox string
	var embedding, semantic sql.Null[pgvector.Vector]
	var personID sql.NullInt64

	dest := make([]any, 0, 12+len(extraDest))
	dest = append(dest,
		&face.ID,
		&face.PhotoID,
		&face.FaceIndex,
		&bbox,
		&face.Confidence,
		&embedding,
		&face.Dim,
		&semantic,
		&face.SemanticDim,
		&face.DescriptorVersion,
		&personID,
		&face.CreatedAt,
	)
	dest = append(dest, extraDest...)

	if err := scanner.Scan(dest...); err != nil {
		return face, fmt.Errorf("scan face: %w", err)
	}

	if err := json.Unmarshal([]byte(bbox), &face.BBox); err != nil {
		return face, fmt.Errorf("decode bbox of face %d: %w", face.ID, err)
	}
	if embedding.Valid {
		face.Embedding = embedding.V.Slice()
	}
	if semantic.Valid {
		face.SemanticEmbedding = semantic.V.Slice()
	}
	if personID.Valid {
		face.PersonID = personID.Int64
	}
	return face, nil
}

func scanFaces(rows *sql.Rows) ([]database.StoredFace, error) {
	var faces []database.StoredFace
	for rows.Next() {
		face, err := scanFaceRow(rows)
		if err != nil {
			return nil, err
		}
		faces = append(faces, face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}

func (s *Store) queryFaces(ctx context.Context, query string, args ...any) ([]database.StoredFace, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	defer rows.Close()
	return scanFaces(rows)
}

// GetFace retrieves a face by id, returns nil if not found.
func (s *Store) GetFace(ctx context.Context, id int64) (*database.StoredFace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+faceColumns+" FROM faces WHERE id = ?", id)
	face, err := scanFaceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &face, nil
}

// GetFaces retrieves all faces for a photo.
func (s *Store) GetFaces(ctx context.Context, photoID int64) ([]database.StoredFace, error) {
	return s.queryFaces(ctx, "SELECT "+faceColumns+" FROM faces WHERE photo_id = ? ORDER BY face_index", photoID)
}

// GetFacesByPerson retrieves all faces assigned to a person.
func (s *Store) GetFacesByPerson(ctx context.Context, personID int64) ([]database.StoredFace, error) {
	return s.queryFaces(ctx, "SELECT "+faceColumns+" FROM faces WHERE person_id = ? ORDER BY id", personID)
}

// GetUnassignedFaces returns faces without a person ordered by id.
func (s *Store) GetUnassignedFaces(ctx context.Context, limit, offset int) ([]database.StoredFace, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return s.queryFaces(ctx,
		"SELECT "+faceColumns+" FROM faces WHERE person_id IS NULL ORDER BY id LIMIT ? OFFSET ?", limit, max(offset, 0))
}

// CountUnassigned returns the number of faces without a person.
func (s *Store) CountUnassigned(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM faces WHERE person_id IS NULL").Scan(&count); err != nil {
		return 0, fmt.Errorf("count unassigned faces: %w", err)
	}
	return count, nil
}

// GetAllFaces retrieves all faces ordered by id.
func (s *Store) GetAllFaces(ctx context.Context) ([]database.StoredFace, error) {
	return s.queryFaces(ctx, "SELECT "+faceColumns+" FROM faces ORDER BY id")
}

func (s *Store) getFacesByIDs(ctx context.Context, ids []int64) ([]database.StoredFace, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryFaces(ctx,
		"SELECT "+faceColumns+" FROM faces WHERE id IN ("+placeholders(len(ids))+")", int64Args(ids)...)
}

// IsFacesProcessed checks if face detection has been run for a photo.
func (s *Store) IsFacesProcessed(ctx context.Context, photoID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM faces_processed WHERE photo_id = ?)", photoID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check faces processed: %w", err)
	}
	return exists, nil
}

// Count returns the total number of faces stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM faces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return count, nil
}

// FaceStats returns the face count and the highest face id.
func (s *Store) FaceStats(ctx context.Context) (int64, int64, error) {
	var count, maxID int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(MAX(id), 0) FROM faces").Scan(&count, &maxID)
	if err != nil {
		return 0, 0, fmt.Errorf("face stats: %w", err)
	}
	return count, maxID, nil
}

// FindSimilarWithDistance finds faces with a comparable identity descriptor and returns cosine distances.
// Uses the in-memory HNSW index if enabled, otherwise ranks every face of the same dimension.
func (s *Store) FindSimilarWithDistance(
	ctx context.Context, embedding []float32, limit int, maxDistance float64,
) ([]database.StoredFace, []float64, error) {
	ids, distances, ok, err := s.faceIndex.Search(embedding, limit, maxDistance)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		faces, err := s.getFacesByIDs(ctx, ids)
		if err != nil {
			return nil, nil, err
		}
		faces, distances = database.OrderByIDs(faces, ids, distances)
		return faces, distances, nil
	}

	faces, err := s.queryFaces(ctx, "SELECT "+faceColumns+" FROM faces WHERE dim = ? ORDER BY id", len(embedding))
	if err != nil {
		return nil, nil, err
	}

	candidates := make([]vector.Candidate, 0, len(faces))
	for _, f := range faces {
		candidates = append(candidates, vector.Candidate{ID: f.ID, Vector: f.Embedding})
	}
	matches, _, err := vector.Nearest(embedding, candidates, limit, 1-maxDistance)
	if err != nil {
		return nil, nil, fmt.Errorf("rank faces: %w", err)
	}

	ids = make([]int64, 0, len(matches))
	distances = make([]float64, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
		distances = append(distances, 1-m.Similarity)
	}
	faces, distances = database.OrderByIDs(faces, ids, distances)
	return faces, distances, nil
}

// SaveFaces replaces the faces of a photo and marks it processed in one transaction.
func (s *Store) SaveFaces(ctx context.Context, photoID int64, faces []database.StoredFace) ([]database.StoredFace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	oldIDs, personIDs, err := deleteFacesOfPhoto(ctx, tx, photoID)
	if err != nil {
		return nil, err
	}

	inserted := make([]database.StoredFace, 0, len(faces))
	for i := range faces {
		face := faces[i]
		bbox, err := json.Marshal(face.BBox)
		if err != nil {
			return nil, fmt.Errorf("encode bbox: %w", err)
		}
		if face.BBox == nil {
			bbox = []byte("[]")
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO faces (photo_id, face_index, bbox, confidence, embedding, dim,
			                   semantic_embedding, semantic_dim, descriptor_version, person_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`,
			photoID,
			face.FaceIndex,
			string(bbox),
			face.Confidence,
			vectorValue(face.Embedding),
			len(face.Embedding),
			vectorValue(face.SemanticEmbedding),
			len(face.SemanticEmbedding),
			face.DescriptorVersion,
			now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert face %d: %w", face.FaceIndex, err)
		}
		if face.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("face id: %w", err)
		}
		face.PhotoID = photoID
		face.Dim = len(face.Embedding)
		face.SemanticDim = len(face.SemanticEmbedding)
		face.PersonID = 0
		face.CreatedAt = now
		inserted = append(inserted, face)
	}

	if err := markProcessed(ctx, tx, photoID, len(faces), now); err != nil {
		return nil, err
	}
	if err := refreshFaceCounts(ctx, tx, personIDs, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.faceIndex.Replace(oldIDs, inserted)
	return inserted, nil
}

func markProcessed(ctx context.Context, tx *sql.Tx, photoID int64, faceCount int, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO faces_processed (photo_id, face_count, created_at) VALUES (?, ?, ?)
		ON CONFLICT (photo_id) DO UPDATE SET face_count = excluded.face_count, created_at = excluded.created_at
	`, photoID, faceCount, now)
	if err != nil {
		return fmt.Errorf("mark faces processed: %w", err)
	}
	return nil
}

// MarkFacesProcessed marks a photo as having been processed for face detection.
func (s *Store) MarkFacesProcessed(ctx context.Context, photoID int64, faceCount int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := markProcessed(ctx, tx, photoID, faceCount, s.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// deleteFacesOfPhoto deletes the faces of a photo and returns their ids and
// the persons that lost faces.
func deleteFacesOfPhoto(ctx context.Context, tx *sql.Tx, photoID int64) ([]int64, []int64, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id, person_id FROM faces WHERE photo_id = ?", photoID)
	if err != nil {
		return nil, nil, fmt.Errorf("query face IDs: %w", err)
	}
	defer rows.Close()

	var faceIDs, personIDs []int64
	for rows.Next() {
		var id int64
		var personID sql.NullInt64
		if err := rows.Scan(&id, &personID); err != nil {
			return nil, nil, fmt.Errorf("scan face ID: %w", err)
		}
		faceIDs = append(faceIDs, id)
		if personID.Valid {
			personIDs = append(personIDs, personID.Int64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate face IDs: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, "DELETE FROM faces WHERE photo_id = ?", photoID); err != nil {
		return nil, nil, fmt.Errorf("delete faces: %w", err)
	}
	return faceIDs, personIDs, nil
}

// DeleteFacesByPhoto removes all faces and the processed record for a photo.
func (s *Store) DeleteFacesByPhoto(ctx context.Context, photoID int64) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	faceIDs, personIDs, err := deleteFacesOfPhoto(ctx, tx, photoID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM faces_processed WHERE photo_id = ?", photoID); err != nil {
		return nil, fmt.Errorf("delete faces_processed: %w", err)
	}
	if err := refreshFaceCounts(ctx, tx, personIDs, s.now()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.faceIndex.Replace(faceIDs, nil)
	return faceIDs, nil
}

// ClearAllFaces removes every face, processed record and person.
func (s *Store) ClearAllFaces(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM faces", "DELETE FROM faces_processed", "DELETE FROM persons"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear faces (%s): %w", stmt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.faceIndex.Clear()
	return nil
}
