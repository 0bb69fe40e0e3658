package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/irohalab/mira-download-manager/internal/domain"
	"github.com/irohalab/mira-download-manager/internal/repository"
)

const createUploadedObjectsTable = `
CREATE TABLE IF NOT EXISTS uploaded_objects (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	name TEXT NOT NULL,
	local_path TEXT NOT NULL,
	remote_uri TEXT NOT NULL,
	expiration DATETIME NULL,
	UNIQUE (job_id, local_path)
);
`

type UploadedObjectRepository struct {
	db *sql.DB
}

func NewUploadedObjectRepository(db *sql.DB) repository.UploadedObjectRepository {
	return &UploadedObjectRepository{db: db}
}

func (r *UploadedObjectRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createUploadedObjectsTable); err != nil {
		return fmt.Errorf("create uploaded_objects table: %w", err)
	}
	return nil
}

func (r *UploadedObjectRepository) FindByLocalPath(ctx context.Context, jobID, localPath string) (*domain.UploadedObject, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, job_id, name, local_path, remote_uri, expiration
FROM uploaded_objects WHERE job_id = ? AND local_path = ?`, jobID, localPath)
	obj, err := scanUploadedObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return obj, err
}

func (r *UploadedObjectRepository) ListByJob(ctx context.Context, jobID string) ([]*domain.UploadedObject, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, job_id, name, local_path, remote_uri, expiration
FROM uploaded_objects WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list uploaded objects: %w", err)
	}
	defer rows.Close()

	var objects []*domain.UploadedObject
	for rows.Next() {
		obj, err := scanUploadedObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan uploaded object: %w", err)
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploaded objects: %w", err)
	}
	return objects, nil
}

func (r *UploadedObjectRepository) SaveAll(ctx context.Context, objects []*domain.UploadedObject) error {
	if len(objects) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin uploaded objects batch: %w", err)
	}
	for _, obj := range objects {
		_, err := tx.ExecContext(ctx, `
INSERT INTO uploaded_objects (id, job_id, name, local_path, remote_uri, expiration)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id, local_path) DO UPDATE SET remote_uri=excluded.remote_uri, expiration=excluded.expiration`,
			obj.ID, obj.JobID, obj.Name, obj.LocalPath, obj.RemoteURI, obj.Expiration)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save uploaded object %s: %w", obj.LocalPath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit uploaded objects batch: %w", err)
	}
	return nil
}

func scanUploadedObject(row rowScanner) (*domain.UploadedObject, error) {
	var (
		obj        domain.UploadedObject
		expiration sql.NullTime
	)
	if err := row.Scan(&obj.ID, &obj.JobID, &obj.Name, &obj.LocalPath, &obj.RemoteURI, &expiration); err != nil {
		return nil, err
	}
	if expiration.Valid {
		t := expiration.Time
		obj.Expiration = &t
	}
	return &obj, nil
}
