package model

import (
	"time"
)

// Route is the supervisor's classification of an incoming message.
type Route string

const (
	RouteUnset        Route = ""
	RouteDirectAnswer Route = "direct_answer"
	RouteRAGAnalysis  Route = "rag_analysis"
)

// MessageRole tags a conversation turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is a single role-tagged turn in a conversation.
type ChatMessage struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// QueryContext is the structured intent extracted from a user query.
type QueryContext struct {
	Assets       []string `json:"assets,omitempty"`
	AnalysisType string   `json:"analysis_type,omitempty"`
	Timeframe    string   `json:"timeframe,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	MarketFocus  string   `json:"market_focus,omitempty"`
	Raw          string   `json:"raw,omitempty"` // model output kept verbatim when it does not parse
}

// SearchRequest is the retrieval request the news collector formulates.
type SearchRequest struct {
	Query               string  `json:"query"`
	MaxResults          int     `json:"max_results"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// MarketInsights accumulates structured findings across analysis stages.
type MarketInsights struct {
	NewsThemes       []string          `json:"news_themes,omitempty"`
	KeySignals       []string          `json:"key_signals,omitempty"`
	ImpactAssessment string            `json:"impact_assessment,omitempty"`
	Sentiment        string            `json:"sentiment,omitempty"`
	Patterns         []string          `json:"patterns,omitempty"`
	TrendAnalysis    string            `json:"trend_analysis,omitempty"`
	FallbackAnalysis bool              `json:"fallback_analysis,omitempty"`
	StageNotes       map[string]string `json:"stage_notes,omitempty"`
}

// ConversationState is the accumulating record one workflow invocation carries
// through its stages. Exactly one stage owns it at a time; stages return deltas
// that the orchestrator merges, so the state is never aliased concurrently.
type ConversationState struct {
	ThreadID       string            `json:"thread_id"`
	Messages       []ChatMessage     `json:"messages"`
	Route          Route             `json:"route"`
	QueryContext   QueryContext      `json:"query_context"`
	SearchStrategy string            `json:"search_strategy,omitempty"`
	SearchRequest  *SearchRequest    `json:"search_request,omitempty"`
	RetrievedNews  []NewsChunk       `json:"retrieved_news,omitempty"`
	ReasoningTrace []string          `json:"reasoning_trace,omitempty"`
	Insights       MarketInsights    `json:"insights"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// LastUserMessage returns the content of the most recent user turn, or "".
func (s *ConversationState) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// AppendTrace adds a reasoning-trace entry. The trace is append-only within an
// invocation and exists for transparency in the final synthesis.
func (s *ConversationState) AppendTrace(note string) {
	s.ReasoningTrace = append(s.ReasoningTrace, note)
}

// Chat is persisted thread metadata.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
