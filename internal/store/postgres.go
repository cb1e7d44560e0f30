package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crypto-agent/internal/db"
	"github.com/sells-group/crypto-agent/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_news":         `SELECT id, title, published_at, source, description, created_at, vector_indexed_at FROM news WHERE id = $1`,
	"has_news":         `SELECT 1 FROM news WHERE id = $1`,
	"mark_indexed":     `UPDATE news SET vector_indexed_at = $1 WHERE id = $2`,
	"latest_news_time": `SELECT MAX(published_at) FROM news`,
	"load_checkpoint":  `SELECT data FROM checkpoints WHERE thread_id = $1`,
	"save_checkpoint":  `INSERT INTO checkpoints (thread_id, data, updated_at) VALUES ($1, $2, $3) ON CONFLICT (thread_id) DO UPDATE SET data = $2, updated_at = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS news (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	published_at      TIMESTAMPTZ NOT NULL,
	source            TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	vector_indexed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	title      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id  TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_news_published_at ON news(published_at DESC);
CREATE INDEX IF NOT EXISTS idx_news_unindexed ON news(id) WHERE vector_indexed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateNews(ctx context.Context, articles []model.NewsArticle) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(articles))
	for _, a := range articles {
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		rows = append(rows, []any{a.ID, a.Title, a.PublishedAt.UTC(), a.Source, a.Description, createdAt})
	}

	n, err := db.BulkInsert(ctx, s.pool, db.InsertConfig{
		Table:        "news",
		Columns:      []string{"id", "title", "published_at", "source", "description", "created_at"},
		ConflictKeys: []string{"id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert news")
	}
	return int(n), nil
}

func (s *PostgresStore) GetNews(ctx context.Context, id string) (*model.NewsArticle, error) {
	var a model.NewsArticle
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, published_at, source, description, created_at, vector_indexed_at
		 FROM news WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Title, &a.PublishedAt, &a.Source, &a.Description, &a.CreatedAt, &a.VectorIndexedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("news not found: %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get news %s", id)
	}
	return &a, nil
}

func (s *PostgresStore) ListNews(ctx context.Context, filter NewsFilter) ([]model.NewsArticle, error) {
	query := `SELECT id, title, published_at, source, description, created_at, vector_indexed_at
	          FROM news WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Indexed != nil {
		if *filter.Indexed {
			query += ` AND vector_indexed_at IS NOT NULL`
		} else {
			query += ` AND vector_indexed_at IS NULL`
		}
	}
	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	query += ` ORDER BY published_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list news")
	}
	defer rows.Close()

	var articles []model.NewsArticle
	for rows.Next() {
		var a model.NewsArticle
		if err := rows.Scan(&a.ID, &a.Title, &a.PublishedAt, &a.Source, &a.Description, &a.CreatedAt, &a.VectorIndexedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan news")
		}
		articles = append(articles, a)
	}
	return articles, eris.Wrap(rows.Err(), "postgres: list news iterate")
}

func (s *PostgresStore) ListUnindexed(ctx context.Context, limit int) ([]model.NewsArticle, error) {
	unindexed := false
	return s.ListNews(ctx, NewsFilter{Indexed: &unindexed, Limit: limit})
}

func (s *PostgresStore) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE news SET vector_indexed_at = $1 WHERE id = $2`,
		at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark indexed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("news not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DeleteNews(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM news WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete news %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("news not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) LatestNewsTime(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(published_at) FROM news`).Scan(&latest)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest news time")
	}
	return latest, nil
}

func (s *PostgresStore) HasNews(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM news WHERE id = $1`, id).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, eris.Wrapf(err, "postgres: has news %s", id)
	}
	return true, nil
}

func (s *PostgresStore) CountNews(ctx context.Context) (NewsCounts, error) {
	var counts NewsCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(vector_indexed_at) FROM news`,
	).Scan(&counts.Total, &counts.Indexed)
	return counts, eris.Wrap(err, "postgres: count news")
}

func (s *PostgresStore) CreateChat(ctx context.Context, title string) (*model.Chat, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, title, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		id, title, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert chat")
	}
	return &model.Chat{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	var c model.Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, created_at, updated_at FROM chats WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("chat not found: %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get chat %s", id)
	}
	return &c, nil
}

func (s *PostgresStore) ListChats(ctx context.Context, limit int) ([]model.Chat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, created_at, updated_at FROM chats ORDER BY updated_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list chats")
	}
	defer rows.Close()

	var chats []model.Chat
	for rows.Next() {
		var c model.Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chat")
		}
		chats = append(chats, c)
	}
	return chats, eris.Wrap(rows.Err(), "postgres: list chats iterate")
}

func (s *PostgresStore) TouchChat(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chats SET updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch chat %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("chat not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, id); err != nil {
		return eris.Wrapf(err, "postgres: delete chat checkpoint %s", id)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete chat %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("chat not found: %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, threadID string, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (thread_id) DO UPDATE SET data = $2, updated_at = $3`,
		threadID, data, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: save checkpoint")
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM checkpoints WHERE thread_id = $1`,
		threadID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: load checkpoint")
	}
	return data, nil
}

func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE thread_id = $1`,
		threadID,
	)
	return eris.Wrap(err, "postgres: delete checkpoint")
}
