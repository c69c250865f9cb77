// Package copilot implements the GitHub Copilot dialect of the
// chat-completions API. The wire format is the OpenAI one; what differs is
// the endpoint and the editor identification headers Copilot requires.
package copilot

import (
	"context"
	"net/http"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/ai/providers/openai"
)

const defaultBaseURL = "https://api.githubcopilot.com"

// Provider streams from the Copilot API. The APIKey in StreamOptions must
// be a Copilot session token (the OAuth device-code exchange lives outside
// this package).
type Provider struct {
	inner *openai.Provider
}

func New(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	inner := openai.New(baseURL)
	inner.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	inner.ExtraHeaders = map[string]string{
		"Copilot-Integration-Id": "vscode-chat",
		"Editor-Version":         "vscode/1.99",
		"Openai-Intent":          "conversation-edits",
	}
	return &Provider{inner: inner}
}

func (p *Provider) Name() string { return "copilot" }

func (p *Provider) Stream(ctx context.Context, model string, req ai.Request) (<-chan ai.StreamEvent, error) {
	return p.inner.Stream(ctx, model, req)
}
