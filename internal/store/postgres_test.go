package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgresGetNews(t *testing.T) {
	s, mock := newMockStore(t)

	published := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	created := published.Add(time.Minute)
	indexed := published.Add(time.Hour)

	mock.ExpectQuery(`SELECT id, title, published_at, source, description, created_at, vector_indexed_at`).
		WithArgs("a1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "published_at", "source", "description", "created_at", "vector_indexed_at"}).
			AddRow("a1", "Bitcoin rallies", published, "Reuters", "BTC up.", created, &indexed))

	a, err := s.GetNews(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "Bitcoin rallies", a.Title)
	require.NotNil(t, a.VectorIndexedAt)
	assert.True(t, a.VectorIndexedAt.Equal(indexed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkIndexedNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	at := time.Now().UTC()
	mock.ExpectExec(`UPDATE news SET vector_indexed_at`).
		WithArgs(at, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkIndexed(context.Background(), "missing", at)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLatestNewsTimeEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT MAX\(published_at\) FROM news`).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow((*time.Time)(nil)))

	latest, err := s.LatestNewsTime(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveCheckpoint(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO checkpoints`).
		WithArgs("thread-1", []byte(`{}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, s.SaveCheckpoint(context.Background(), "thread-1", []byte(`{}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountNews(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(vector_indexed_at\) FROM news`).
		WillReturnRows(pgxmock.NewRows([]string{"total", "indexed"}).AddRow(42, 40))

	counts, err := s.CountNews(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NewsCounts{Total: 42, Indexed: 40}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteNews(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM news`).
		WithArgs("a1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	assert.NoError(t, s.DeleteNews(context.Background(), "a1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
