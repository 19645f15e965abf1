package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"boardsync/domain"
)

// SQLiteStore persists positions in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and applies embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) PutContainer(ctx context.Context, c domain.Container) error {
	if err := validateContainer(c); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO containers (id, kind, board_id, workspace_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, board_id = excluded.board_id, workspace_id = excluded.workspace_id`,
		string(c.ID), string(c.Kind), string(c.BoardID), string(c.WorkspaceID))
	return err
}

func (s *SQLiteStore) AddBoardMember(ctx context.Context, board domain.BoardID, user domain.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO board_members (board_id, user_id) VALUES (?, ?)`, string(board), string(user))
	return err
}

func (s *SQLiteStore) AddWorkspaceMember(ctx context.Context, workspace domain.WorkspaceID, user domain.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO workspace_members (workspace_id, user_id) VALUES (?, ?)`, string(workspace), string(user))
	return err
}

func (s *SQLiteStore) Container(ctx context.Context, id domain.ContainerID) (domain.Container, error) {
	var c domain.Container
	var kind, board, workspace string
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, board_id, workspace_id FROM containers WHERE id = ?`, string(id)).
		Scan(&kind, &board, &workspace)
	if errors.Is(err, sql.ErrNoRows) {
		return c, containerNotFound(id)
	}
	if err != nil {
		return c, err
	}
	c.ID = id
	c.Kind = domain.ContainerKind(kind)
	c.BoardID = domain.BoardID(board)
	c.WorkspaceID = domain.WorkspaceID(workspace)
	return c, nil
}

func (s *SQLiteStore) Item(ctx context.Context, id domain.ItemID) (domain.OrderedItem, error) {
	it := domain.OrderedItem{ID: id}
	var kind, container string
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, container_id, position FROM ordered_items WHERE id = ?`, string(id)).
		Scan(&kind, &container, &it.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OrderedItem{}, itemNotFound(id)
	}
	if err != nil {
		return domain.OrderedItem{}, err
	}
	it.Kind = domain.ItemKind(kind)
	it.ContainerID = domain.ContainerID(container)
	return it, nil
}

func (s *SQLiteStore) Items(ctx context.Context, id domain.ContainerID) ([]domain.OrderedItem, error) {
	if _, err := s.Container(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, position FROM ordered_items WHERE container_id = ? ORDER BY position, rowid`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []domain.OrderedItem{}
	for rows.Next() {
		var itemID, kind string
		var pos int
		if err := rows.Scan(&itemID, &kind, &pos); err != nil {
			return nil, err
		}
		items = append(items, domain.OrderedItem{
			ID:          domain.ItemID(itemID),
			Kind:        domain.ItemKind(kind),
			ContainerID: id,
			Position:    pos,
		})
	}
	return items, rows.Err()
}

func (s *SQLiteStore) ApplyPositions(ctx context.Context, writes []domain.PositionWrite) error {
	if len(writes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin positions tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE ordered_items SET container_id = ?, position = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, w := range writes {
		res, err := stmt.ExecContext(ctx, string(w.ContainerID), w.Position, string(w.ItemID))
		if err != nil {
			if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY) {
				return containerNotFound(w.ContainerID)
			}
			return fmt.Errorf("write position of %s: %w", w.ItemID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return itemNotFound(w.ItemID)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) InsertItem(ctx context.Context, item domain.OrderedItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ordered_items (id, kind, container_id, position) VALUES (?, ?, ?, ?)`,
		string(item.ID), string(item.Kind), string(item.ContainerID), item.Position)
	switch {
	case err == nil:
		return nil
	case isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY):
		return itemExists(item.ID)
	case isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY):
		return containerNotFound(item.ContainerID)
	default:
		return err
	}
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, id domain.ItemID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ordered_items WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return itemNotFound(id)
	}
	return nil
}

func (s *SQLiteStore) IsBoardMember(ctx context.Context, user domain.UserID, board domain.BoardID) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM board_members WHERE board_id = ? AND user_id = ?`, string(board), string(user))
}

func (s *SQLiteStore) IsWorkspaceMember(ctx context.Context, user domain.UserID, workspace domain.WorkspaceID) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM workspace_members WHERE workspace_id = ? AND user_id = ?`, string(workspace), string(user))
}

func (s *SQLiteStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func isConstraint(err error, code int) bool {
	var sqliteErr *msqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == code
}
