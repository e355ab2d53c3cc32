package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/routeguard/voicebridge/internal/config"
	"github.com/routeguard/voicebridge/internal/metrics"
)

// ============================================
// CONVERSATION ENGINE
// Turn-taking dialogue with bounded length and wrap-up steering
// ============================================

// fallbackLine is spoken when the reply service fails mid-call.
const fallbackLine = "I'm sorry, I'm having a little trouble on my end. Thank you so much for your time, goodbye!"

// wrapUpPattern recognizes closing phrasing in generated replies.
var wrapUpPattern = regexp.MustCompile(`(?i)\b(goodbye|good\s?bye|bye\s?bye|have a (great|good|nice|wonderful) (day|evening|night|one)|take care|talk (to you )?(soon|later)|thanks for your time|thank you for your time)\b`)

// ReplyService generates the agent's next line from the dialogue so far.
type ReplyService interface {
	Generate(ctx context.Context, system string, history []DialogueTurn, maxTokens int) (string, error)
}

// Reply is the engine's output for one turn
type Reply struct {
	Text   string
	WrapUp bool
}

// Conversation tracks one call's dialogue state. Methods are safe for
// concurrent use; the session loop calls NextReply while the poll
// handler reads History.
type Conversation struct {
	svc    ReplyService
	cfg    config.ReplyConfig
	m      *metrics.Metrics
	logger *slog.Logger

	callerName string
	goal       string

	mu        sync.RWMutex
	history   []DialogueTurn
	exchanges int
	forceWrap bool
}

// NewConversation creates the dialogue engine for one call
func NewConversation(svc ReplyService, cfg config.ReplyConfig, callerName, goal string, m *metrics.Metrics, logger *slog.Logger) *Conversation {
	return &Conversation{
		svc:        svc,
		cfg:        cfg,
		m:          m,
		logger:     logger.With(slog.String("component", "conversation")),
		callerName: callerName,
		goal:       goal,
	}
}

// RecordAgentLine appends an agent line that was produced outside the
// normal turn flow, such as the opening greeting.
func (c *Conversation) RecordAgentLine(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, DialogueTurn{Role: "agent", Text: text})
}

// ForceWrapUp makes every subsequent reply steer toward ending the call.
// Used when the call duration ceiling is reached.
func (c *Conversation) ForceWrapUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceWrap = true
}

// NextReply produces the agent's next line for the caller's text. The
// returned WrapUp flag tells the session this should be the last line
// spoken. Reply service failures never propagate; the engine answers
// with a fixed apology and wraps up.
func (c *Conversation) NextReply(ctx context.Context, callerText string) Reply {
	c.mu.Lock()
	if callerText != "" {
		c.history = append(c.history, DialogueTurn{Role: "caller", Text: callerText})
	}
	c.exchanges++
	system := c.systemPromptLocked()
	history := append([]DialogueTurn(nil), c.history...)
	hardLimit := c.exchanges >= c.cfg.MaxExchanges || c.forceWrap
	c.mu.Unlock()

	c.m.ReplyRequests.Inc()
	start := time.Now()

	text, err := c.svc.Generate(ctx, system, history, c.cfg.MaxTokens)
	c.m.ReplyDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.logger.Error("reply generation failed, using fallback",
			slog.String("error", err.Error()))
		c.m.ReplyFailures.Inc()
		text = fallbackLine
		c.appendAgent(text)
		return Reply{Text: text, WrapUp: true}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		text = fallbackLine
		c.appendAgent(text)
		return Reply{Text: text, WrapUp: true}
	}

	c.appendAgent(text)

	wrapUp := hardLimit || wrapUpPattern.MatchString(text)
	return Reply{Text: text, WrapUp: wrapUp}
}

func (c *Conversation) appendAgent(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, DialogueTurn{Role: "agent", Text: text})
}

// systemPromptLocked builds the system preamble. Caller holds c.mu.
func (c *Conversation) systemPromptLocked() string {
	var b strings.Builder
	b.WriteString("You are a friendly phone assistant for RouteGuard, making an outbound call on behalf of a user. ")
	b.WriteString("Keep every reply to one or two short spoken sentences. Never use lists, markdown or stage directions. ")

	if c.callerName != "" {
		fmt.Fprintf(&b, "You are speaking with %s. ", c.callerName)
	}
	if c.goal != "" {
		fmt.Fprintf(&b, "Purpose of the call: %s ", c.goal)
	}

	if c.forceWrap || c.exchanges >= c.cfg.MaxExchanges {
		b.WriteString("The call has run long. Politely thank them and say goodbye now, in a single sentence.")
	} else if c.exchanges >= c.cfg.SoftWrapUpAfter {
		b.WriteString("The conversation is getting long. Start steering toward a polite close and say goodbye when natural.")
	}
	return b.String()
}

// History returns a copy of the transcript so far
func (c *Conversation) History() []DialogueTurn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]DialogueTurn(nil), c.history...)
}

// Exchanges returns how many caller turns have been handled
func (c *Conversation) Exchanges() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exchanges
}

// Summary asks the reply service for a short recap of the call. When the
// service is unavailable a template summary built from the transcript is
// returned instead, so a summary always exists.
func (c *Conversation) Summary(ctx context.Context, outcome CallOutcome) string {
	history := c.History()

	system := "Summarize this phone call in two or three plain sentences for the person who requested it. " +
		"State who was reached, what was discussed and any commitments made. Do not address the reader."
	if text, err := c.svc.Generate(ctx, system, history, c.cfg.MaxTokens); err == nil {
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	} else {
		c.logger.Warn("summary generation failed, using template",
			slog.String("error", err.Error()))
	}

	return c.templateSummary(history, outcome)
}

// templateSummary is the degraded summary path.
func (c *Conversation) templateSummary(history []DialogueTurn, outcome CallOutcome) string {
	who := c.callerName
	if who == "" {
		who = "the contact"
	}

	switch outcome {
	case OutcomeNoAnswer:
		return fmt.Sprintf("Called %s but there was no answer.", who)
	case OutcomeBusy:
		return fmt.Sprintf("Called %s but the line was busy.", who)
	case OutcomeFailed:
		return fmt.Sprintf("The call to %s could not be completed.", who)
	}

	callerTurns := 0
	var lastCaller string
	for _, turn := range history {
		if turn.Role == "caller" {
			callerTurns++
			lastCaller = turn.Text
		}
	}
	if callerTurns == 0 {
		return fmt.Sprintf("Reached %s but they did not say anything before the call ended.", who)
	}
	summary := fmt.Sprintf("Spoke with %s over %d exchanges.", who, callerTurns)
	if lastCaller != "" {
		summary += fmt.Sprintf(" Their last words were: %q.", lastCaller)
	}
	return summary
}

// ============================================
// HTTP REPLY SERVICE CLIENT
// ============================================

// HTTPReplyService calls the reply generation endpoint over HTTP JSON
type HTTPReplyService struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPReplyService creates a reply service client
func NewHTTPReplyService(cfg config.ReplyConfig) *HTTPReplyService {
	return &HTTPReplyService{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type replyRequest struct {
	System    string         `json:"system"`
	Messages  []replyMessage `json:"messages"`
	MaxTokens int            `json:"max_tokens"`
}

type replyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type replyResponse struct {
	Text string `json:"text"`
}

// Generate implements ReplyService
func (s *HTTPReplyService) Generate(ctx context.Context, system string, history []DialogueTurn, maxTokens int) (string, error) {
	messages := make([]replyMessage, 0, len(history))
	for _, turn := range history {
		role := "assistant"
		if turn.Role == "caller" {
			role = "user"
		}
		messages = append(messages, replyMessage{Role: role, Content: turn.Text})
	}

	payload, err := json.Marshal(replyRequest{
		System:    system,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal reply request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("reply request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("reply service error (%d): %s", resp.StatusCode, string(body))
	}

	var out replyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode reply response: %w", err)
	}
	return out.Text, nil
}
