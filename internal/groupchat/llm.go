package groupchat

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/crewchat/internal/config"
)

// Completer is the slice of model.Model the group chat needs.
type Completer interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

// ModelSettings are per-request overrides sent with every completion.
type ModelSettings struct {
	Name        string
	MaxTokens   int
	Temperature *float64
}

func SettingsFromConfig(cfg *config.Config) ModelSettings {
	temp := cfg.Model.Temperature
	return ModelSettings{
		Name:        cfg.Model.Name,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: &temp,
	}
}

// NewModel builds the configured provider's model. The default provider is
// an OpenAI-compatible endpoint such as a local Ollama server.
func NewModel(ctx context.Context, cfg *config.Config) (Completer, error) {
	temp := cfg.Model.Temperature
	var provider model.Provider
	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Type)) {
	case "anthropic":
		provider = &model.AnthropicProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Model.Name,
			MaxTokens:   cfg.Model.MaxTokens,
			Temperature: &temp,
		}
	default:
		provider = &model.OpenAIProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Model.Name,
			MaxTokens:   cfg.Model.MaxTokens,
			Temperature: &temp,
		}
	}

	mdl, err := provider.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}
	return mdl, nil
}

func complete(ctx context.Context, c Completer, settings ModelSettings, system string, msgs []model.Message) (string, error) {
	resp, err := c.Complete(ctx, model.Request{
		Messages:    msgs,
		System:      system,
		Model:       settings.Name,
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.Message.Content, nil
}

// toModelMessages maps the shared history onto chat roles from self's point
// of view: its own turns are assistant turns, everyone else speaks as user.
func toModelMessages(self string, history []Message) []model.Message {
	out := make([]model.Message, 0, len(history))
	for _, m := range history {
		role := RoleUser
		content := m.Content
		if m.Name == self {
			role = RoleAssistant
		} else if m.Name != "" {
			content = m.Name + ": " + content
		}
		out = append(out, model.Message{Role: role, Content: content})
	}
	return out
}
