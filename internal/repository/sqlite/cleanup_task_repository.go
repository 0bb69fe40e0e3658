package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/irohalab/mira-download-manager/internal/domain"
	"github.com/irohalab/mira-download-manager/internal/repository"
)

const createCleanupTasksTable = `
CREATE TABLE IF NOT EXISTS cleanup_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	directory_path TEXT NOT NULL
);
`

type CleanupTaskRepository struct {
	db *sql.DB
}

func NewCleanupTaskRepository(db *sql.DB) repository.CleanupTaskRepository {
	return &CleanupTaskRepository{db: db}
}

func (r *CleanupTaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createCleanupTasksTable); err != nil {
		return fmt.Errorf("create cleanup_tasks table: %w", err)
	}
	return nil
}

func (r *CleanupTaskRepository) Add(ctx context.Context, directoryPath string) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO cleanup_tasks (directory_path) VALUES (?)`, directoryPath); err != nil {
		return fmt.Errorf("enqueue cleanup task: %w", err)
	}
	return nil
}

func (r *CleanupTaskRepository) List(ctx context.Context) ([]*domain.CleanupTask, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, directory_path FROM cleanup_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cleanup tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.CleanupTask
	for rows.Next() {
		var task domain.CleanupTask
		if err := rows.Scan(&task.ID, &task.DirectoryPath); err != nil {
			return nil, fmt.Errorf("scan cleanup task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cleanup tasks: %w", err)
	}
	return tasks, nil
}

func (r *CleanupTaskRepository) Remove(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cleanup_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove cleanup task %d: %w", id, err)
	}
	return nil
}
