// Package agent runs the staged market-analysis workflow: an explicit state
// machine that routes a user turn through optional retrieval, synthesis, and
// multi-step analysis, accumulating state that each stage extends through a
// delta the orchestrator merges.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crypto-agent/internal/model"
	"github.com/sells-group/crypto-agent/pkg/anthropic"
)

// node identifies a workflow stage.
type node int

const (
	nodeSupervisor node = iota
	nodeQueryProcessor
	nodeNewsCollector
	nodeToolExecution
	nodeNewsSynthesizer
	nodeMarketAnalyzer
	nodePatternRecognizer
	nodeInsightGenerator
	nodeEnd
)

func (n node) String() string {
	switch n {
	case nodeSupervisor:
		return "supervisor"
	case nodeQueryProcessor:
		return "query_processor"
	case nodeNewsCollector:
		return "news_collector"
	case nodeToolExecution:
		return "tool_execution"
	case nodeNewsSynthesizer:
		return "news_synthesizer"
	case nodeMarketAnalyzer:
		return "market_analyzer"
	case nodePatternRecognizer:
		return "pattern_recognizer"
	case nodeInsightGenerator:
		return "insight_generator"
	case nodeEnd:
		return "end"
	}
	return "unknown"
}

// NewsSearcher is the retrieval tool the workflow invokes.
type NewsSearcher interface {
	SearchNews(ctx context.Context, req model.SearchRequest) ([]model.NewsChunk, error)
}

// Checkpointer persists conversation state across turns, keyed by thread id.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, threadID string, data []byte) error
	LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error)
}

// delta is the state change one stage produces. The orchestrator is the single
// writer that applies deltas; stages never mutate the state directly.
type delta struct {
	messages      []model.ChatMessage
	route         model.Route
	queryContext  *model.QueryContext
	strategy      string
	searchRequest *model.SearchRequest
	retrieved     []model.NewsChunk
	trace         []string
	insights      func(*model.MarketInsights)
}

func apply(state *model.ConversationState, d delta) {
	state.Messages = append(state.Messages, d.messages...)
	if d.route != model.RouteUnset {
		state.Route = d.route
	}
	if d.queryContext != nil {
		state.QueryContext = *d.queryContext
	}
	if d.strategy != "" {
		state.SearchStrategy = d.strategy
	}
	if d.searchRequest != nil {
		state.SearchRequest = d.searchRequest
	}
	if d.retrieved != nil {
		state.RetrievedNews = d.retrieved
	}
	for _, note := range d.trace {
		state.AppendTrace(note)
	}
	if d.insights != nil {
		d.insights(&state.Insights)
	}
}

// Workflow drives the analysis state machine for conversation turns.
type Workflow struct {
	llm         anthropic.Client
	searcher    NewsSearcher
	checkpoints Checkpointer
	model       string
	routerModel string
	maxTokens   int64
	temperature float64
}

// Option configures the Workflow.
type Option func(*Workflow)

// WithModels sets the synthesis model and the cheaper routing model.
func WithModels(main, router string) Option {
	return func(w *Workflow) {
		if main != "" {
			w.model = main
		}
		if router != "" {
			w.routerModel = router
		}
	}
}

// WithMaxTokens caps response length per LLM call.
func WithMaxTokens(n int64) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature for synthesis calls. Routing
// and extraction calls always run near-deterministic.
func WithTemperature(t float64) Option {
	return func(w *Workflow) { w.temperature = t }
}

// New creates a Workflow. The checkpointer may be nil, in which case each turn
// starts from an empty conversation.
func New(llm anthropic.Client, searcher NewsSearcher, checkpoints Checkpointer, opts ...Option) *Workflow {
	w := &Workflow{
		llm:         llm,
		searcher:    searcher,
		checkpoints: checkpoints,
		model:       "claude-sonnet-4-5-20250929",
		routerModel: "claude-haiku-4-5-20251001",
		maxTokens:   2048,
		temperature: 0.3,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes one conversation turn for the thread: restore prior messages
// from the checkpoint, walk the state machine to a terminal node, persist the
// resulting state. An LLM failure in any stage fails the whole turn; no
// partial response is emitted.
func (w *Workflow) Run(ctx context.Context, threadID, userMessage string) (*model.ConversationState, error) {
	state, err := w.restore(ctx, threadID)
	if err != nil {
		return nil, err
	}
	state.Messages = append(state.Messages, model.ChatMessage{
		Role:      model.RoleUser,
		Content:   userMessage,
		Timestamp: time.Now().UTC(),
	})

	log := zap.L().With(zap.String("thread_id", threadID))
	cur := nodeSupervisor
	for cur != nodeEnd {
		log.Debug("agent: entering stage", zap.Stringer("stage", cur))
		d, next, err := w.step(ctx, cur, state)
		if err != nil {
			return nil, eris.Wrapf(err, "agent: stage %s", cur)
		}
		apply(state, d)
		cur = next
	}
	state.UpdatedAt = time.Now().UTC()

	if w.checkpoints != nil {
		data, err := json.Marshal(state)
		if err != nil {
			return nil, eris.Wrap(err, "agent: marshal checkpoint")
		}
		if err := w.checkpoints.SaveCheckpoint(ctx, threadID, data); err != nil {
			return nil, eris.Wrap(err, "agent: save checkpoint")
		}
	}
	return state, nil
}

// restore rebuilds per-thread state from the checkpoint. Only the message
// history carries across turns; routing, retrieval, and insight fields start
// fresh each invocation.
func (w *Workflow) restore(ctx context.Context, threadID string) (*model.ConversationState, error) {
	state := &model.ConversationState{ThreadID: threadID}
	if w.checkpoints == nil {
		return state, nil
	}
	data, err := w.checkpoints.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return nil, eris.Wrap(err, "agent: load checkpoint")
	}
	if len(data) == 0 {
		return state, nil
	}
	var prev model.ConversationState
	if err := json.Unmarshal(data, &prev); err != nil {
		zap.L().Warn("agent: discarding unreadable checkpoint", zap.String("thread_id", threadID), zap.Error(err))
		return state, nil
	}
	state.Messages = prev.Messages
	return state, nil
}

func (w *Workflow) step(ctx context.Context, n node, state *model.ConversationState) (delta, node, error) {
	switch n {
	case nodeSupervisor:
		return w.supervise(ctx, state)
	case nodeQueryProcessor:
		return w.processQuery(ctx, state)
	case nodeNewsCollector:
		return w.collectNews(ctx, state)
	case nodeToolExecution:
		return w.executeTool(ctx, state)
	case nodeNewsSynthesizer:
		return w.synthesize(ctx, state)
	case nodeMarketAnalyzer:
		return w.analyzeMarket(ctx, state)
	case nodePatternRecognizer:
		return w.recognizePatterns(ctx, state)
	case nodeInsightGenerator:
		return w.generateInsights(ctx, state)
	}
	return delta{}, nodeEnd, eris.Errorf("agent: no handler for stage %s", n)
}

// supervise classifies the turn and, for direct answers, produces the final
// reply immediately.
func (w *Workflow) supervise(ctx context.Context, state *model.ConversationState) (delta, node, error) {
	routeText, err := w.complete(ctx, nodeSupervisor, w.routerModel, routingPrompt, []anthropic.Message{
		{Role: "user", Content: "User request: " + state.LastUserMessage()},
	}, 0.1)
	if err != nil {
		return delta{}, nodeEnd, err
	}

	if strings.Contains(strings.ToUpper(routeText), "DIRECT_ANSWER") {
		reply, err := w.complete(ctx, nodeSupervisor, w.model, systemPrompt, historyMessages(state), w.temperature)
		if err != nil {
			return delta{}, nodeEnd, err
		}
		return delta{
			messages: []model.ChatMessage{assistantMessage(reply)},
			route:    model.RouteDirectAnswer,
			trace:    []string{"supervisor: direct answer, no retrieval needed"},
		}, nodeEnd, nil
	}

	// Anything else, including malformed router output, takes the RAG path.
	return delta{
		route: model.RouteRAGAnalysis,
		trace: []string{"supervisor: routed to news analysis"},
	}, nodeQueryProcessor, nil
}

// processQuery extracts structured intent. Unparsable extractor output is kept
// verbatim rather than failing the turn.
func (w *Workflow) processQuery(ctx context.Context, state *model.ConversationState) (delta, node, error) {
	text, err := w.complete(ctx, nodeQueryProcessor, w.routerModel, queryAnalysisPrompt, []anthropic.Message{
		{Role: "user", Content: "Query: " + state.LastUserMessage()},
	}, 0.1)
	if err != nil {
		return delta{}, nodeEnd, err
	}

	qc := parseQueryContext(text)
	return delta{
		queryContext: &qc,
		trace:        []string{"query processed and crypto entities extracted"},
	}, nodeNewsCollector, nil
}

// collectNews has the LLM formulate the retrieval request. Defaults fill in
// anything the model leaves out.
func (w *Workflow) collectNews(ctx context.Context, state *model.ConversationState) (delta, node, error) {
	contextJSON, _ := json.Marshal(state.QueryContext)
	text, err := w.complete(ctx, nodeNewsCollector, w.routerModel, collectorPrompt, []anthropic.Message{
		{Role: "user", Content: fmt.Sprintf("User request: %s\nQuery context: %s", state.LastUserMessage(), contextJSON)},
	}, 0.1)
	if err != nil {
		return delta{}, nodeEnd, err
	}

	req := parseSearchRequest(text, state.LastUserMessage())
	return delta{
		strategy:      "multi_target_search",
		searchRequest: &req,
		trace:         []string{fmt.Sprintf("news collection formulated: %q", req.Query)},
	}, nodeToolExecution, nil
}

// executeTool invokes retrieval. Retrieval failures surface as an in-band
// sentinel, never as a turn-fatal error.
func (w *Workflow) executeTool(ctx context.Context, state *model.ConversationState) (delta, node, error) {
	req := model.SearchRequest{Query: state.LastUserMessage(), MaxResults: 5, SimilarityThreshold: 0.5}
	if state.SearchRequest != nil {
		req = *state.SearchRequest
	}

	results, err := w.searcher.SearchNews(ctx, req)
	if err != nil {
		zap.L().Warn("agent: retrieval failed", zap.String("query", req.Query), zap.Error(err))
		results = []model.NewsChunk{{
			Error:         err.Error(),
			OriginalQuery: req.Query,
		}}
	}
	return delta{
		retrieved: results,
		trace:     []string{fmt.Sprintf("retrieval returned %d records", len(results))},
	}, nodeNewsSynthesizer, nil
}

// synthesize normalizes tool output and gates continuation. The gate is
// evidence presence in retrievedNews, never a derived themes field.
func (w *Workflow) synthesize(ctx context.Context, state *model.ConversationState) (delta, node, error) {
	if !model.HasEvidence(state.RetrievedNews) {
		reply, err := w.complete(ctx, nodeNewsSynthesizer, w.model, fallbackPrompt, historyMessages(state), 0.2)
		if err != nil {
			return delta{}, nodeEnd, err
		}
		suggestions := suggestQueries(state)
		var b strings.Builder
		b.WriteString(reply)
		b.WriteString("\n\nSuggested alternative searches:\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		return delta{
			messages: []model.ChatMessage{assistantMessage(b.String())},
			insights: func(mi *model.MarketInsights) { mi.FallbackAnalysis = true },
			trace:    []string{"no news retrieved: fallback text-only analysis provided"},
		}, nodeEnd, nil
	}

	evidence := realChunks(state.RetrievedNews)
	return delta{
		retrieved: evidence,
		insights: func(mi *model.MarketInsights) {
			if mi.StageNotes == nil {
				mi.StageNotes = map[string]string{}
			}
			mi.StageNotes["synthesizer"] = fmt.Sprintf("%d news chunks accepted as evidence", len(evidence))
		},
		trace: []string{fmt.Sprintf("news synthesized: %d chunks accepted", len(evidence))},
	}, nodeMarketAnalyzer, nil
}

func (w *Workflow) analyzeMarket(ctx context.Context, state *model.ConversationState) (delta, node, error) {
	text, err := w.complete(ctx, nodeMarketAnalyzer, w.model, marketAnalysisPrompt, []anthropic.Message{
		{Role: "user", Content: formatChunks(state.RetrievedNews)},
	}, w.temperature)
	if err != nil {
		return delta{}, nodeEnd, err
	}

	var parsed struct {
		ImpactAssessment string   `json:"impact_assessment"`
		Sentiment        string   `json:"sentiment"`
		KeySignals       []string `json:"key_signals"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		parsed.ImpactAssessment = text
	}
	return delta{
		insights: func(mi *model.MarketInsights) {
			mi.ImpactAssessment = parsed.ImpactAssessment
			mi.Sentiment = parsed.Sentiment
			mi.KeySignals = parsed.KeySignals
		},
		trace: []string{"market impact analysis completed"},
	}, nodePatternRecognizer, nil
}

func (w *Workflow) recognizePatterns(ctx context.Context, state *model.ConversationState) (delta, node, error) {
	text, err := w.complete(ctx, nodePatternRecognizer, w.model, patternPrompt, []anthropic.Message{
		{Role: "user", Content: formatChunks(state.RetrievedNews)},
	}, w.temperature)
	if err != nil {
		return delta{}, nodeEnd, err
	}

	var parsed struct {
		Patterns      []string `json:"patterns"`
		TrendAnalysis string   `json:"trend_analysis"`
		NewsThemes    []string `json:"news_themes"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		parsed.TrendAnalysis = text
	}
	return delta{
		insights: func(mi *model.MarketInsights) {
			mi.Patterns = parsed.Patterns
			mi.TrendAnalysis = parsed.TrendAnalysis
			mi.NewsThemes = parsed.NewsThemes
		},
		trace: []string{"pattern recognition and trend analysis completed"},
	}, nodeInsightGenerator, nil
}

// generateInsights is the terminal synthesis node: it composes the final
// answer from the full accumulated state.
func (w *Workflow) generateInsights(ctx context.Context, state *model.ConversationState) (delta, node, error) {
	insightsJSON, _ := json.Marshal(state.Insights)
	contextJSON, _ := json.Marshal(state.QueryContext)
	system := fmt.Sprintf("%s\n\nReasoning steps: %s\nAccumulated insights: %s\nQuery context: %s\n\nRetrieved news:\n%s",
		insightPrompt,
		strings.Join(state.ReasoningTrace, "; "),
		insightsJSON,
		contextJSON,
		formatChunks(state.RetrievedNews),
	)

	reply, err := w.complete(ctx, nodeInsightGenerator, w.model, system, historyMessages(state), w.temperature)
	if err != nil {
		return delta{}, nodeEnd, err
	}
	return delta{
		messages: []model.ChatMessage{assistantMessage(reply)},
		trace:    []string{"final insights generated"},
	}, nodeEnd, nil
}

func (w *Workflow) complete(ctx context.Context, stage node, llmModel, system string, msgs []anthropic.Message, temperature float64) (string, error) {
	resp, err := w.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       llmModel,
		MaxTokens:   w.maxTokens,
		System:      system,
		Messages:    msgs,
		Temperature: &temperature,
	})
	if err != nil {
		return "", eris.Wrap(err, "agent: llm call")
	}
	resp.Usage.LogUsage(llmModel, stage.String())
	return strings.TrimSpace(resp.Text()), nil
}

// helpers

func assistantMessage(content string) model.ChatMessage {
	return model.ChatMessage{
		Role:      model.RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func historyMessages(state *model.ConversationState) []anthropic.Message {
	msgs := make([]anthropic.Message, 0, len(state.Messages))
	for _, m := range state.Messages {
		msgs = append(msgs, anthropic.Message{Role: string(m.Role), Content: m.Content})
	}
	return msgs
}

func realChunks(chunks []model.NewsChunk) []model.NewsChunk {
	out := make([]model.NewsChunk, 0, len(chunks))
	for _, c := range chunks {
		if !c.IsSentinel() && strings.TrimSpace(c.ChunkText) != "" {
			out = append(out, c)
		}
	}
	return out
}

// formatChunks renders retrieved evidence for LLM consumption.
func formatChunks(chunks []model.NewsChunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if c.IsSentinel() {
			continue
		}
		fmt.Fprintf(&b, "[%d] %s (%s, %s, relevance %.2f)\n%s\n\n",
			i+1, c.Title, c.Source, c.PublishDate, c.Score, c.ChunkText)
	}
	return strings.TrimSpace(b.String())
}

// suggestQueries builds exactly three alternative searches for the no-evidence
// fallback.
func suggestQueries(state *model.ConversationState) []string {
	subject := "cryptocurrency"
	if len(state.QueryContext.Assets) > 0 {
		subject = state.QueryContext.Assets[0]
	}
	return []string{
		fmt.Sprintf("%s price analysis and recent market trends", subject),
		fmt.Sprintf("latest %s news and developments", subject),
		"cryptocurrency market sentiment and regulation updates",
	}
}

func parseQueryContext(text string) model.QueryContext {
	var parsed struct {
		Cryptocurrencies []string `json:"cryptocurrencies"`
		AnalysisType     string   `json:"analysis_type"`
		Timeframe        string   `json:"timeframe"`
		Topics           []string `json:"topics"`
		MarketFocus      string   `json:"market_focus"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		return model.QueryContext{Raw: text}
	}
	return model.QueryContext{
		Assets:       parsed.Cryptocurrencies,
		AnalysisType: parsed.AnalysisType,
		Timeframe:    parsed.Timeframe,
		Topics:       parsed.Topics,
		MarketFocus:  parsed.MarketFocus,
		Raw:          text,
	}
}

func parseSearchRequest(text, fallbackQuery string) model.SearchRequest {
	req := model.SearchRequest{Query: fallbackQuery, MaxResults: 5, SimilarityThreshold: 0.5}
	var parsed struct {
		Query               string  `json:"query"`
		MaxResults          int     `json:"max_results"`
		SimilarityThreshold float64 `json:"similarity_threshold"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		return req
	}
	if parsed.Query != "" {
		req.Query = parsed.Query
	}
	if parsed.MaxResults > 0 {
		req.MaxResults = parsed.MaxResults
	}
	if parsed.SimilarityThreshold > 0 {
		req.SimilarityThreshold = parsed.SimilarityThreshold
	}
	return req
}

// extractJSON pulls the outermost JSON object out of a model reply, tolerating
// surrounding prose and markdown fences.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
