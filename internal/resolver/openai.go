package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel     = openai.GPT4oMini
	defaultMaxTokens = 300

	systemPrompt = "You are a knowledgeable Islamic scholar providing accessible explanations of Qur'an verses."
)

// OpenAIConfig configures the chat-completions generator.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// OpenAIGenerator renders one verse per chat-completions call.
type OpenAIGenerator struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is empty")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAIGenerator{
		client:    openai.NewClient(cfg.APIKey),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, ref VerseRef) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: versePrompt(ref)},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("blank completion content")
	}
	return text, nil
}

func versePrompt(ref VerseRef) string {
	return fmt.Sprintf(`You are a knowledgeable Islamic scholar providing brief, accessible explanations of Qur'an verses for daily reflection.

Surah: %d - %s
Verse: %d

Provide the following three sections in this exact order:

1) Transliteration of this verse in English
2) English Translation (clear and simple)
3) Context + Understanding (max 50 words) explaining:
  - the core message and wisdom of this verse
  - spiritual and practical daily life lessons
  - simple language suitable for a chat message
  - respectful, uplifting tone
  - do NOT repeat the verse text inside this explanation (you already provided it above)

Do not use markdown styling like ## or ***; send plain text only.

Keep everything concise, gentle, spiritually beneficial, and theologically accurate.`,
		ref.Pos.Surah, ref.SurahName, ref.Pos.Ayah)
}
