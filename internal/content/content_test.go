package content

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
)

var ada = models.Prospect{
	UserID:   "u1",
	FullName: "Ada Lovelace",
	Headline: "Principal Engineer @ Analytical Engines | Math",
	Company:  "Analytical Engines",
}

func TestRender(t *testing.T) {
	got := Render("Hi {{Name}}, {{Title}} at {{Company}}", ada)
	assert.Equal(t, "Hi Ada, Principal Engineer at Analytical Engines", got)

	p := ada
	p.Title = "CTO"
	assert.Equal(t, "CTO", Render("{{Title}}", p))
	assert.Equal(t, "", Render("  ", p))
}

func TestAnthropicRequestShape(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key-u1", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"  \"Hi Ada, loved your talk.\"  "}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{
		Provider: ProviderAnthropic, Model: "m1", BaseURL: srv.URL,
		Key: func(userID string) string { return "key-" + userID },
	}, logging.Discard())
	require.NoError(t, err)

	note, err := c.ConnectionNote(context.Background(), ada, map[string]string{"title": "Engineer"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada, loved your talk.", note)
	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, 100, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Contains(t, got.Messages[0].Content, "Ada Lovelace")
	assert.Contains(t, got.Messages[0].Content, "title: Engineer")
}

func TestOpenAIFirstMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Thanks for connecting!"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{Provider: ProviderOpenAI, Model: "gpt", BaseURL: srv.URL + "/", Key: func(string) string { return "k" }}, logging.Discard())
	require.NoError(t, err)
	msg, err := c.FirstMessage(context.Background(), ada)
	require.NoError(t, err)
	assert.Equal(t, "Thanks for connecting!", msg)
}

func TestGenerationFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(Options{Provider: ProviderAnthropic, BaseURL: srv.URL, Key: func(string) string { return "k" }}, logging.Discard())
	require.NoError(t, err)
	_, err = c.FirstMessage(context.Background(), ada)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.GenerationFailed))
	assert.Contains(t, err.Error(), "503")

	noKey, err := NewClient(Options{Provider: ProviderAnthropic, BaseURL: srv.URL}, logging.Discard())
	require.NoError(t, err)
	_, err = noKey.FirstMessage(context.Background(), ada)
	assert.True(t, fault.Is(err, fault.GenerationFailed))

	_, err = NewClient(Options{Provider: "cohere"}, logging.Discard())
	assert.Error(t, err)
}

func TestScoreParsesEmbeddedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Sure!\n{\"score\": 8, \"reasoning\": \"Senior engineer\", \"recommended_hook\": \"Ask about engines\"}"}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{Provider: ProviderAnthropic, BaseURL: srv.URL, Key: func(string) string { return "k" }, Timeout: time.Second}, logging.Discard())
	require.NoError(t, err)
	s, err := c.Score(context.Background(), ada, map[string]string{"title": "Engineer"})
	require.NoError(t, err)
	assert.Equal(t, 8, s.Score)
	assert.Equal(t, "Senior engineer", s.Reasoning)

	_, err = parseScore(`{"score": 42}`)
	assert.Error(t, err)
}

type stubGenerator struct {
	text string
	err  error
	// filters seen by the last ConnectionNote call
	filters map[string]string
}

func (s *stubGenerator) ConnectionNote(_ context.Context, _ models.Prospect, filters map[string]string) (string, error) {
	s.filters = filters
	return s.text, s.err
}

func (s *stubGenerator) FirstMessage(context.Context, models.Prospect) (string, error) {
	return s.text, s.err
}

func TestComposerPrefersPayloadText(t *testing.T) {
	gen := &stubGenerator{text: "generated"}
	c := NewComposer(gen, "note {{Name}}", "msg {{Name}}", logging.Discard())
	a := models.Action{Type: models.ActionMessage, Payload: models.Payload{"text": "verbatim"}}
	got, err := c.Compose(context.Background(), a, ada, nil)
	require.NoError(t, err)
	assert.Equal(t, "verbatim", got)
}

func TestComposerPassesTargetFilters(t *testing.T) {
	gen := &stubGenerator{text: "generated"}
	c := NewComposer(gen, "", "", logging.Discard())
	campaign := &models.Campaign{TargetFilters: map[string]string{"industry": "fintech"}}
	got, err := c.Compose(context.Background(), models.Action{Type: models.ActionConnect}, ada, campaign)
	require.NoError(t, err)
	assert.Equal(t, "generated", got)
	assert.Equal(t, "fintech", gen.filters["industry"])
}

func TestComposerFallsBackToTemplates(t *testing.T) {
	gen := &stubGenerator{err: fault.New(fault.GenerationFailed, "llm")}
	c := NewComposer(gen, "Hi {{Name}}", "Hello {{Name}} at {{Company}}", logging.Discard())

	got, err := c.Compose(context.Background(), models.Action{Type: models.ActionConnect}, ada, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", got)

	step := models.Action{Type: models.ActionMessage, Payload: models.Payload{"template": "Step text for {{Name}}"}}
	got, err = c.Compose(context.Background(), step, ada, nil)
	require.NoError(t, err)
	assert.Equal(t, "Step text for Ada", got)
}

func TestComposerFailsWithoutAnyText(t *testing.T) {
	gen := &stubGenerator{err: errors.New("boom")}
	c := NewComposer(gen, "", "", logging.Discard())
	_, err := c.Compose(context.Background(), models.Action{Type: models.ActionMessage}, ada, nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.GenerationFailed))

	text, err := c.Compose(context.Background(), models.Action{Type: models.ActionVisitProfile}, ada, nil)
	require.NoError(t, err)
	assert.Empty(t, text)
}
