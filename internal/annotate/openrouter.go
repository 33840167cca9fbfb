package annotate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	envAPIKey  = "OPENROUTER_API_KEY"
	envModel   = "OPENROUTER_MODEL"
	envReferer = "OPENROUTER_REFERRER"
	envTitle   = "OPENROUTER_APP_TITLE"

	defaultModel = "google/gemini-2.5-flash"
	apiURL       = "https://openrouter.ai/api/v1/chat/completions"
	timeoutSecs  = 90
)

// DefaultPromptPath is where the caption prompt lives unless overridden.
const DefaultPromptPath = "prompts/alt_text.md"

var altPattern = regexp.MustCompile(`(?is)<alt>(.*?)</alt>`)

// Client produces captions for extracted images.
type Client interface {
	Caption(ctx context.Context, req Request) (Result, error)
	Name() string
}

type Request struct {
	Prompt    string
	Image     string // http(s) URL or local file path
	MaxTokens int
}

type Result struct {
	Text  string
	Alt   string // contents of the <alt> tag when the model emitted one
	Usage json.RawMessage
}

type openRouterClient struct {
	apiKey  string
	model   string
	referer string
	title   string
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func NewOpenRouterFromEnv() (Client, error) {
	key := strings.TrimSpace(os.Getenv(envAPIKey))
	if key == "" {
		return nil, fmt.Errorf("missing %s", envAPIKey)
	}
	model := strings.TrimSpace(os.Getenv(envModel))
	if model == "" {
		model = defaultModel
	}
	model = strings.Trim(model, "\"'")
	return &openRouterClient{
		apiKey:  key,
		model:   model,
		referer: strings.TrimSpace(os.Getenv(envReferer)),
		title:   strings.TrimSpace(os.Getenv(envTitle)),
		baseURL: apiURL,
		http: &http.Client{
			Timeout: timeoutSecs * time.Second,
		},
		logger: zerolog.Nop(),
	}, nil
}

// NewOpenRouterWithLogger creates the client with a logger for tracing.
func NewOpenRouterWithLogger(logger zerolog.Logger) (Client, error) {
	client, err := NewOpenRouterFromEnv()
	if err != nil {
		return nil, err
	}
	if oc, ok := client.(*openRouterClient); ok {
		oc.logger = logger
	}
	return client, nil
}

func (c *openRouterClient) Name() string { return c.model }

func (c *openRouterClient) Caption(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errors.New("empty prompt")
	}
	image, err := imageContent(req.Image)
	if err != nil {
		return Result{}, err
	}

	payload := chatPayload{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: req.Prompt},
				image,
			},
		}},
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("payload_size", len(body)).
		Msg("OpenRouter request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		httpReq.Header.Set("X-Title", c.title)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("http request: %w", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug().
		Int("status", resp.StatusCode).
		Int("response_size", len(data)).
		Msg("OpenRouter response")

	if resp.StatusCode >= 400 {
		msg := string(data)
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
		return Result{}, fmt.Errorf("openrouter %d: %s", resp.StatusCode, msg)
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Result{}, fmt.Errorf("parse response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return Result{}, errors.New("openrouter: no choices in response")
	}

	text := cr.Choices[0].Message.text()
	return Result{
		Text:  text,
		Alt:   ExtractAlt(text),
		Usage: cr.Usage,
	}, nil
}

// ExtractAlt pulls the caption out of an <alt>...</alt> tag, empty when the
// model did not follow the format.
func ExtractAlt(text string) string {
	match := altPattern.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	return strings.TrimSpace(match[1])
}

// LoadPrompt reads the caption prompt file and rejects empty prompts.
func LoadPrompt(path string) (string, error) {
	if path == "" {
		path = DefaultPromptPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("prompt file is empty: %s", path)
	}
	return text, nil
}

// imageContent passes URLs through and inlines local files as data URLs.
func imageContent(image string) (chatContent, error) {
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		return chatContent{Type: "image_url", ImageURL: &chatImageURL{URL: image}}, nil
	}
	data, err := os.ReadFile(image)
	if err != nil {
		return chatContent{}, fmt.Errorf("read image: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(image))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return chatContent{}, fmt.Errorf("unsupported image mime type: %s", mimeType)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return chatContent{
		Type:     "image_url",
		ImageURL: &chatImageURL{URL: fmt.Sprintf("data:%s;base64,%s", mimeType, encoded)},
	}, nil
}

type chatPayload struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message responseMessage `json:"message"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage,omitempty"`
}

// responseMessage tolerates both content shapes OpenRouter emits: a plain
// string or a list of typed parts.
type responseMessage struct {
	Content json.RawMessage `json:"content"`
}

func (m responseMessage) text() string {
	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
