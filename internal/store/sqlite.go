package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/crypto-agent/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS news (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	published_at      DATETIME NOT NULL,
	source            TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	vector_indexed_at DATETIME
);

CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id  TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_news_published_at ON news(published_at);
CREATE INDEX IF NOT EXISTS idx_news_unindexed ON news(vector_indexed_at) WHERE vector_indexed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateNews(ctx context.Context, articles []model.NewsArticle) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	inserted := 0
	for _, a := range articles {
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO news (id, title, published_at, source, description, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.Title, a.PublishedAt.UTC(), a.Source, a.Description, createdAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert news %s", a.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit tx")
	}
	return inserted, nil
}

func (s *SQLiteStore) GetNews(ctx context.Context, id string) (*model.NewsArticle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, published_at, source, description, created_at, vector_indexed_at
		 FROM news WHERE id = ?`,
		id,
	)
	return scanArticle(row)
}

func (s *SQLiteStore) ListNews(ctx context.Context, filter NewsFilter) ([]model.NewsArticle, error) {
	query := `SELECT id, title, published_at, source, description, created_at, vector_indexed_at
	          FROM news WHERE 1=1`
	var args []any

	if filter.Indexed != nil {
		if *filter.Indexed {
			query += ` AND vector_indexed_at IS NOT NULL`
		} else {
			query += ` AND vector_indexed_at IS NULL`
		}
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	query += ` ORDER BY published_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list news")
	}
	defer rows.Close()

	var articles []model.NewsArticle
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, eris.Wrap(rows.Err(), "sqlite: list news iterate")
}

func (s *SQLiteStore) ListUnindexed(ctx context.Context, limit int) ([]model.NewsArticle, error) {
	unindexed := false
	return s.ListNews(ctx, NewsFilter{Indexed: &unindexed, Limit: limit})
}

func (s *SQLiteStore) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE news SET vector_indexed_at = ? WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark indexed %s", id)
	}
	return checkRowsAffected(res, "news", id)
}

func (s *SQLiteStore) DeleteNews(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM news WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete news %s", id)
	}
	return checkRowsAffected(res, "news", id)
}

func (s *SQLiteStore) LatestNewsTime(ctx context.Context) (*time.Time, error) {
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MAX(published_at) FROM news`).Scan(&latest)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest news time")
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time.UTC()
	return &t, nil
}

func (s *SQLiteStore) HasNews(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM news WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has news %s", id)
	}
	return true, nil
}

func (s *SQLiteStore) CountNews(ctx context.Context) (NewsCounts, error) {
	var counts NewsCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(vector_indexed_at) FROM news`,
	).Scan(&counts.Total, &counts.Indexed)
	return counts, eris.Wrap(err, "sqlite: count news")
}

func (s *SQLiteStore) CreateChat(ctx context.Context, title string) (*model.Chat, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert chat")
	}
	return &model.Chat{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	var c model.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM chats WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("chat not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get chat %s", id)
	}
	return &c, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, limit int) ([]model.Chat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM chats ORDER BY updated_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list chats")
	}
	defer rows.Close()

	var chats []model.Chat
	for rows.Next() {
		var c model.Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chat")
		}
		chats = append(chats, c)
	}
	return chats, eris.Wrap(rows.Err(), "sqlite: list chats iterate")
}

func (s *SQLiteStore) TouchChat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch chat %s", id)
	}
	return checkRowsAffected(res, "chat", id)
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, id); err != nil {
		return eris.Wrapf(err, "sqlite: delete chat checkpoint %s", id)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete chat %s", id)
	}
	if err := checkRowsAffected(res, "chat", id); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, threadID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (thread_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		threadID, data, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save checkpoint")
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE thread_id = ?`,
		threadID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load checkpoint")
	}
	return data, nil
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ?`,
		threadID,
	)
	return eris.Wrap(err, "sqlite: delete checkpoint")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanArticle(row scannable) (*model.NewsArticle, error) {
	var a model.NewsArticle
	var indexedAt sql.NullTime

	err := row.Scan(&a.ID, &a.Title, &a.PublishedAt, &a.Source, &a.Description, &a.CreatedAt, &indexedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("news not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan news")
	}

	if indexedAt.Valid {
		t := indexedAt.Time.UTC()
		a.VectorIndexedAt = &t
	}
	return &a, nil
}
