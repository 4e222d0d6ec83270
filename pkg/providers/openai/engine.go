package openai

import (
	"context"
	"io"

	"github.com/go-go-golems/marionette/pkg/helpers"
	"github.com/go-go-golems/marionette/pkg/providers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// Engine streams chat completions from the OpenAI API or any
// OpenAI-compatible endpoint configured through a base URL override.
type Engine struct {
	settings *providers.Settings
}

func NewEngine(settings *providers.Settings) (*Engine, error) {
	return &Engine{
		settings: settings,
	}, nil
}

func (e *Engine) Stream(
	ctx context.Context,
	messages []providers.Message,
) (<-chan helpers.Result[string], func(), error) {
	client, err := makeClient(e.settings.API)
	if err != nil {
		return nil, nil, err
	}

	req, err := makeCompletionRequest(e.settings, messages)
	if err != nil {
		return nil, nil, err
	}

	cancellableCtx, cancel := context.WithCancel(ctx)
	stream, err := client.CreateChatCompletionStream(cancellableCtx, *req)
	if err != nil {
		cancel()
		return nil, nil, errors.Wrap(err, "create chat completion stream")
	}

	c := make(chan helpers.Result[string])

	go func() {
		defer close(c)
		defer func() {
			if err := stream.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close completion stream")
			}
		}()

		chunkCount := 0
		for {
			select {
			case <-cancellableCtx.Done():
				log.Debug().Int("chunks_received", chunkCount).Msg("openai streaming cancelled by context")
				return

			default:
				response, err := stream.Recv()
				if errors.Is(err, io.EOF) {
					log.Debug().Int("chunks_received", chunkCount).Msg("openai stream completed")
					return
				}
				if err != nil {
					if cancellableCtx.Err() != nil {
						return
					}
					log.Error().Err(err).Int("chunks_received", chunkCount).Msg("openai stream receive failed")
					select {
					case c <- helpers.NewErrorResult[string](err):
					case <-cancellableCtx.Done():
					}
					return
				}
				chunkCount++

				if len(response.Choices) == 0 {
					continue
				}
				delta := response.Choices[0].Delta.Content
				if delta == "" {
					continue
				}

				select {
				case c <- helpers.NewValueResult[string](delta):
				case <-cancellableCtx.Done():
					return
				}
			}
		}
	}()

	return c, cancel, nil
}

func makeClient(apiSettings *providers.APISettings) (*go_openai.Client, error) {
	apiKeyName := string(providers.ApiTypeOpenAI) + "-api-key"
	apiKey, ok := apiSettings.APIKeys[apiKeyName]
	if !ok {
		return nil, errors.Wrapf(providers.ErrMissingAPIKey, "%s", apiKeyName)
	}

	config := go_openai.DefaultConfig(apiKey)
	if baseURL, ok := apiSettings.BaseUrls[string(providers.ApiTypeOpenAI)+"-base-url"]; ok && baseURL != "" {
		config.BaseURL = baseURL
	}

	return go_openai.NewClientWithConfig(config), nil
}

func makeCompletionRequest(
	settings_ *providers.Settings,
	messages []providers.Message,
) (*go_openai.ChatCompletionRequest, error) {
	chatSettings := settings_.Chat
	if chatSettings.Engine == nil {
		return nil, errors.New("no engine specified")
	}

	openaiMessages := make([]go_openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		openaiMessages = append(openaiMessages, go_openai.ChatCompletionMessage{
			Role:    openAIRole(msg.Role),
			Content: msg.Content,
			Name:    msg.Name,
		})
	}

	req := &go_openai.ChatCompletionRequest{
		Model:    *chatSettings.Engine,
		Messages: openaiMessages,
		Stream:   true,
	}
	if chatSettings.Temperature != nil {
		req.Temperature = float32(*chatSettings.Temperature)
	}
	if chatSettings.MaxResponseTokens != nil {
		req.MaxTokens = *chatSettings.MaxResponseTokens
	}
	if len(chatSettings.Stop) > 0 {
		req.Stop = chatSettings.Stop
	}

	return req, nil
}

func openAIRole(role providers.Role) string {
	switch role {
	case providers.RoleSystem:
		return go_openai.ChatMessageRoleSystem
	case providers.RoleUser:
		return go_openai.ChatMessageRoleUser
	case providers.RoleAssistant:
		return go_openai.ChatMessageRoleAssistant
	default:
		return string(role)
	}
}

var _ providers.Engine = (*Engine)(nil)
