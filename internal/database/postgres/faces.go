package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const faceColumns = `id, photo_id, face_index, bbox, confidence, embedding, dim,
	semantic_embedding, semantic_dim, descriptor_version, person_id, created_at`

// FaceRepository provides PostgreSQL-backed face storage with optional in-memory HNSW index.
type FaceRepository struct {
	pool      *Pool
	faceIndex *database.FaceIndex
}

// NewFaceRepository creates a new PostgreSQL face repository.
func NewFaceRepository(pool *Pool) *FaceRepository {
	r := &FaceRepository{pool: pool}
	r.faceIndex = database.NewFaceIndex(r)
	return r
}

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
	var bbox pq.Float64Array
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

	face.BBox = []float64(bbox)
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

func (r *FaceRepository) queryFaces(ctx context.Context, query string, args ...any) ([]database.StoredFace, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	defer rows.Close()
	return scanFaces(rows)
}

// GetFace retrieves a face by id, returns nil if not found.
func (r *FaceRepository) GetFace(ctx context.Context, id int64) (*database.StoredFace, error) {
	face, err := scanFaceRow(r.pool.QueryRow(ctx, "SELECT "+faceColumns+" FROM faces WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &face, nil
}

// GetFaces retrieves all faces for a photo.
func (r *FaceRepository) GetFaces(ctx context.Context, photoID int64) ([]database.StoredFace, error) {
	return r.queryFaces(ctx, "SELECT "+faceColumns+" FROM faces WHERE photo_id = $1 ORDER BY face_index", photoID)
}

// GetFacesByPerson retrieves all faces assigned to a person.
func (r *FaceRepository) GetFacesByPerson(ctx context.Context, personID int64) ([]database.StoredFace, error) {
	return r.queryFaces(ctx, "SELECT "+faceColumns+" FROM faces WHERE person_id = $1 ORDER BY id", personID)
}

// GetUnassignedFaces returns faces without a person ordered by id.
func (r *FaceRepository) GetUnassignedFaces(ctx context.Context, limit, offset int) ([]database.StoredFace, error) {
	var limitArg any // NULL means no limit
	if limit > 0 {
		limitArg = limit
	}
	return r.queryFaces(ctx,
		"SELECT "+faceColumns+" FROM faces WHERE person_id IS NULL ORDER BY id LIMIT $1 OFFSET $2",
		limitArg, max(offset, 0))
}

// CountUnassigned returns the number of faces without a person.
func (r *FaceRepository) CountUnassigned(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM faces WHERE person_id IS NULL").Scan(&count); err != nil {
		return 0, fmt.Errorf("count unassigned faces: %w", err)
	}
	return count, nil
}

// GetAllFaces retrieves all faces ordered by id.
func (r *FaceRepository) GetAllFaces(ctx context.Context) ([]database.StoredFace, error) {
	return r.queryFaces(ctx, "SELECT "+faceColumns+" FROM faces ORDER BY id")
}

// IsFacesProcessed checks if face detection has been run for a photo.
func (r *FaceRepository) IsFacesProcessed(ctx context.Context, photoID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM faces_processed WHERE photo_id = $1)", photoID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check faces processed: %w", err)
	}
	return exists, nil
}

// Count returns the total number of faces stored.
func (r *FaceRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM faces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return count, nil
}

// FaceStats returns the face count and the highest face id.
func (r *FaceRepository) FaceStats(ctx context.Context) (int64, int64, error) {
	var count, maxID int64
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*), COALESCE(MAX(id), 0) FROM faces").Scan(&count, &maxID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get face stats: %w", err)
	}
	return count, maxID, nil
}

// FindSimilarWithDistance finds faces with a comparable identity descriptor and returns distances.
// Uses in-memory HNSW index if enabled, otherwise falls back to PostgreSQL.
func (r *FaceRepository) FindSimilarWithDistance(
	ctx context.Context, embedding []float32, limit int, maxDistance float64,
) ([]database.StoredFace, []float64, error) {
	ids, distances, ok, err := r.faceIndex.Search(embedding, limit, maxDistance)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		if len(ids) == 0 {
			return nil, nil, nil
		}
		faces, err := r.queryFaces(ctx, "SELECT "+faceColumns+" FROM faces WHERE id = ANY($1)", pq.Array(ids))
		if err != nil {
			return nil, nil, err
		}
		faces, distances = database.OrderByIDs(faces, ids, distances)
		return faces, distances, nil
	}

	return r.findSimilarWithDistancePostgres(ctx, embedding, limit, maxDistance)
}

// findSimilarWithDistancePostgres ranks faces of the query's dimension with pgvector's cosine operator.
func (r *FaceRepository) findSimilarWithDistancePostgres(
	ctx context.Context, embedding []float32, limit int, maxDistance float64,
) ([]database.StoredFace, []float64, error) {
	query := `
		SELECT ` + faceColumns + `, embedding <=> $1::vector AS distance
		FROM faces
		WHERE dim = $2 AND embedding <=> $1::vector <= $3
		ORDER BY distance, id
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, pgvector.NewVector(embedding), len(embedding), maxDistance, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("query similar faces: %w", err)
	}
	defer rows.Close()

	var faces []database.StoredFace
	var distances []float64
	for rows.Next() {
		var dist float64
		face, err := scanFaceRow(rows, &dist)
		if err != nil {
			return nil, nil, err
		}
		faces = append(faces, face)
		distances = append(distances, dist)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, distances, nil
}

// SaveFaces stores the faces of a photo, replacing any existing faces for that photo,
// and marks the photo processed.
func (r *FaceRepository) SaveFaces(
	ctx context.Context, photoID int64, faces []database.StoredFace,
) ([]database.StoredFace, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	oldIDs, personIDs, err := deleteFacesOfPhoto(ctx, tx, photoID)
	if err != nil {
		return nil, err
	}

	inserted, err := insertFacesReturningIDs(ctx, tx, photoID, faces, ts)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO faces_processed (photo_id, face_count, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (photo_id) DO UPDATE SET face_count = EXCLUDED.face_count, created_at = EXCLUDED.created_at
	`, photoID, len(faces), ts); err != nil {
		return nil, fmt.Errorf("mark faces processed: %w", err)
	}
	if err := refreshFaceCounts(ctx, tx, personIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.faceIndex.Replace(oldIDs, inserted)
	return inserted, nil
}

// insertFacesReturningIDs inserts faces into the database and returns them with assigned IDs.
func insertFacesReturningIDs(
	ctx context.Context, tx *sql.Tx, photoID int64, faces []database.StoredFace, ts time.Time,
) ([]database.StoredFace, error) {
	inserted := make([]database.StoredFace, 0, len(faces))

	for i := range faces {
		face := faces[i]
		bbox := face.BBox
		if bbox == nil {
			bbox = []float64{}
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO faces (photo_id, face_index, bbox, confidence, embedding, dim,
			                   semantic_embedding, semantic_dim, descriptor_version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`,
			photoID,
			face.FaceIndex,
			pq.Array(bbox),
			face.Confidence,
			vectorValue(face.Embedding),
			len(face.Embedding),
			vectorValue(face.SemanticEmbedding),
			len(face.SemanticEmbedding),
			face.DescriptorVersion,
			ts,
		).Scan(&face.ID)
		if err != nil {
			return nil, fmt.Errorf("insert face %d: %w", face.FaceIndex, err)
		}

		face.PhotoID = photoID
		face.Dim = len(face.Embedding)
		face.SemanticDim = len(face.SemanticEmbedding)
		face.PersonID = 0
		face.CreatedAt = ts
		inserted = append(inserted, face)
	}

	return inserted, nil
}

// MarkFacesProcessed marks a photo as having been processed for face detection.
func (r *FaceRepository) MarkFacesProcessed(ctx context.Context, photoID int64, faceCount int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO faces_processed (photo_id, face_count) VALUES ($1, $2)
		ON CONFLICT (photo_id) DO UPDATE SET face_count = EXCLUDED.face_count, created_at = NOW()
	`, photoID, faceCount)
	if err != nil {
		return fmt.Errorf("mark faces processed: %w", err)
	}
	return nil
}

// deleteFacesOfPhoto deletes the faces of a photo and returns their ids and the
// persons that lost faces.
func deleteFacesOfPhoto(ctx context.Context, tx *sql.Tx, photoID int64) ([]int64, []int64, error) {
	rows, err := tx.QueryContext(ctx, "DELETE FROM faces WHERE photo_id = $1 RETURNING id, person_id", photoID)
	if err != nil {
		return nil, nil, fmt.Errorf("delete faces: %w", err)
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
	return faceIDs, personIDs, nil
}

// DeleteFacesByPhoto removes all faces and faces_processed records for a photo.
// Returns the deleted face IDs for HNSW cleanup.
func (r *FaceRepository) DeleteFacesByPhoto(ctx context.Context, photoID int64) ([]int64, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	faceIDs, personIDs, err := deleteFacesOfPhoto(ctx, tx, photoID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM faces_processed WHERE photo_id = $1", photoID); err != nil {
		return nil, fmt.Errorf("delete faces_processed: %w", err)
	}
	if err := refreshFaceCounts(ctx, tx, personIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.faceIndex.Replace(faceIDs, nil)
	return faceIDs, nil
}

// ClearAllFaces removes every face, processed record and person.
func (r *FaceRepository) ClearAllFaces(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, "TRUNCATE faces, faces_processed, persons RESTART IDENTITY"); err != nil {
		return fmt.Errorf("clear faces: %w", err)
	}
	r.faceIndex.Clear()
	return nil
}

// EnableHNSW loads or builds an in-memory HNSW index for O(log N) similarity search.
// This should be called once at startup.
func (r *FaceRepository) EnableHNSW(ctx context.Context, indexPath, descriptorVersion string) error {
	return r.faceIndex.EnableHNSW(ctx, indexPath, descriptorVersion)
}

// RebuildHNSW rebuilds the HNSW index from PostgreSQL data.
func (r *FaceRepository) RebuildHNSW(ctx context.Context) error {
	return r.faceIndex.RebuildHNSW(ctx)
}

// HNSWCount returns the number of faces in the HNSW index.
func (r *FaceRepository) HNSWCount() int {
	return r.faceIndex.HNSWCount()
}

// IsHNSWEnabled returns whether the in-memory HNSW index is enabled.
func (r *FaceRepository) IsHNSWEnabled() bool {
	return r.faceIndex.IsHNSWEnabled()
}

// SaveHNSWIndex saves the current HNSW index to disk (if path configured).
func (r *FaceRepository) SaveHNSWIndex() error {
	return r.faceIndex.SaveHNSWIndex()
}

// Verify interface compliance.
var _ database.FaceWriter = (*FaceRepository)(nil)
