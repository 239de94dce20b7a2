// Package content produces the text of connection notes and messages.
package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/models"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Generator writes personalized outreach text.
type Generator interface {
	ConnectionNote(ctx context.Context, p models.Prospect, filters map[string]string) (string, error)
	FirstMessage(ctx context.Context, p models.Prospect) (string, error)
}

type Options struct {
	Provider string
	Model    string
	BaseURL  string
	Timeout  time.Duration
	// Key returns the API key for a user. An empty key fails generation.
	Key func(userID string) string
}

// Client calls the Anthropic Messages API or the OpenAI Chat Completions API.
type Client struct {
	opts Options
	http *http.Client
	log  *slog.Logger
}

func NewClient(opts Options, log *slog.Logger) (*Client, error) {
	switch opts.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", opts.Provider)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
		log:  log.With("module", "content", "provider", opts.Provider),
	}, nil
}

func (c *Client) ConnectionNote(ctx context.Context, p models.Prospect, filters map[string]string) (string, error) {
	var b strings.Builder
	b.WriteString("You are a friendly professional reaching out on LinkedIn.\n\nProspect information:\n")
	writeProspect(&b, p)
	if len(filters) > 0 {
		b.WriteString("\nThe campaign is looking for:\n")
		keys := make([]string, 0, len(filters))
		for k := range filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, filters[k])
		}
	}
	b.WriteString(`
Write a brief, genuine connection request note (max 300 characters) that:
- Mentions something specific about their profile
- Is friendly and conversational
- Doesn't sound salesy or AI-generated

Just the note, no extra text:`)
	return c.generate(ctx, "connection_note", p.UserID, b.String(), 100)
}

func (c *Client) FirstMessage(ctx context.Context, p models.Prospect) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s just accepted your LinkedIn connection.\n\nTheir profile:\n", orDefault(p.FullName, "They"))
	writeProspect(&b, p)
	b.WriteString(`
Write a friendly first message (max 500 characters) that:
- Thanks them for connecting
- Asks an open-ended question related to their work
- Is conversational, not formal

Just the message:`)
	return c.generate(ctx, "first_message", p.UserID, b.String(), 150)
}

// Score is a lead-quality estimate in [1, 10].
type Score struct {
	Score           int    `json:"score"`
	Reasoning       string `json:"reasoning"`
	RecommendedHook string `json:"recommended_hook"`
}

func (c *Client) Score(ctx context.Context, p models.Prospect, criteria map[string]string) (Score, error) {
	prompt := fmt.Sprintf(`Score this LinkedIn prospect as a lead.

Prospect:
- %s, %s at %s
- Headline: %s

Target criteria:
- Looking for: %s
- Industry: %s

Return ONLY valid JSON (no markdown):
{"score": 1-10, "reasoning": "One sentence why", "recommended_hook": "Conversation starter"}`,
		p.FullName, orDefault(p.Title, "Unknown"), orDefault(p.Company, "Unknown"), orDefault(p.Headline, "N/A"),
		orDefault(criteria["title"], "professionals"), orDefault(criteria["industry"], "any"))
	text, err := c.generate(ctx, "score", p.UserID, prompt, 200)
	if err != nil {
		return Score{}, err
	}
	s, err := parseScore(text)
	if err != nil {
		return Score{}, fault.Wrap(fault.GenerationFailed, "score", err)
	}
	return s, nil
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

func parseScore(text string) (Score, error) {
	var s Score
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		m := jsonObject.FindString(text)
		if m == "" {
			return Score{}, fmt.Errorf("no JSON object in response")
		}
		if err := json.Unmarshal([]byte(m), &s); err != nil {
			return Score{}, fmt.Errorf("decode score: %w", err)
		}
	}
	if s.Score < 1 || s.Score > 10 {
		return Score{}, fmt.Errorf("score %d out of range", s.Score)
	}
	return s, nil
}

func writeProspect(b *strings.Builder, p models.Prospect) {
	fmt.Fprintf(b, "- Name: %s\n", orDefault(p.FullName, "Unknown"))
	fmt.Fprintf(b, "- Title: %s\n", orDefault(p.Title, "Unknown"))
	fmt.Fprintf(b, "- Company: %s\n", orDefault(p.Company, "Unknown"))
	if p.Headline != "" {
		fmt.Fprintf(b, "- Headline: %s\n", p.Headline)
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

func (c *Client) generate(ctx context.Context, op, userID, prompt string, maxTokens int) (string, error) {
	key := ""
	if c.opts.Key != nil {
		key = c.opts.Key(userID)
	}
	if key == "" {
		return "", fault.Newf(fault.GenerationFailed, op, "no llm api key for user %s", userID)
	}
	body, err := json.Marshal(completionRequest{
		Model:     c.opts.Model,
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fault.Wrap(fault.GenerationFailed, op, err)
	}

	var url string
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	switch c.opts.Provider {
	case ProviderAnthropic:
		url = c.opts.BaseURL + "/v1/messages"
		header.Set("x-api-key", key)
		header.Set("anthropic-version", "2023-06-01")
	default:
		url = c.opts.BaseURL + "/v1/chat/completions"
		header.Set("Authorization", "Bearer "+key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fault.Wrap(fault.GenerationFailed, op, err)
	}
	req.Header = header
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.GenerationFailed, op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fault.Wrap(fault.GenerationFailed, op, err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fault.Newf(fault.GenerationFailed, op, "status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var text string
	switch c.opts.Provider {
	case ProviderAnthropic:
		var r anthropicResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", fault.Wrap(fault.GenerationFailed, op, err)
		}
		for _, part := range r.Content {
			if part.Type == "" || part.Type == "text" {
				text += part.Text
			}
		}
	default:
		var r openAIResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", fault.Wrap(fault.GenerationFailed, op, err)
		}
		if len(r.Choices) > 0 {
			text = r.Choices[0].Message.Content
		}
	}
	text = clean(text)
	if text == "" {
		return "", fault.Newf(fault.GenerationFailed, op, "empty completion")
	}
	c.log.Debug("generated", "op", op, "user_id", userID, "chars", len(text), "took", time.Since(start))
	return text, nil
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
