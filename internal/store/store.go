package store

import (
	"context"
	"time"

	"github.com/sells-group/crypto-agent/internal/model"
)

// NewsFilter specifies criteria for listing news articles.
type NewsFilter struct {
	// Indexed filters on vector-index status when non-nil.
	Indexed *bool  `json:"indexed,omitempty"`
	Source  string `json:"source,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// NewsCounts summarizes the stored corpus.
type NewsCounts struct {
	Total   int `json:"total"`
	Indexed int `json:"indexed"`
}

// Store defines the persistence interface for articles, chats, and workflow
// checkpoints.
type Store interface {
	// News
	CreateNews(ctx context.Context, articles []model.NewsArticle) (int, error)
	GetNews(ctx context.Context, id string) (*model.NewsArticle, error)
	ListNews(ctx context.Context, filter NewsFilter) ([]model.NewsArticle, error)
	ListUnindexed(ctx context.Context, limit int) ([]model.NewsArticle, error)
	MarkIndexed(ctx context.Context, id string, at time.Time) error
	DeleteNews(ctx context.Context, id string) error
	LatestNewsTime(ctx context.Context) (*time.Time, error)
	HasNews(ctx context.Context, id string) (bool, error)
	CountNews(ctx context.Context) (NewsCounts, error)

	// Chats
	CreateChat(ctx context.Context, title string) (*model.Chat, error)
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	ListChats(ctx context.Context, limit int) ([]model.Chat, error)
	TouchChat(ctx context.Context, id string) error
	DeleteChat(ctx context.Context, id string) error

	// Workflow checkpoints, keyed by conversation thread.
	SaveCheckpoint(ctx context.Context, threadID string, data []byte) error
	LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, threadID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
