package ollama

import (
	"context"

	"github.com/go-go-golems/marionette/pkg/helpers"
	"github.com/go-go-golems/marionette/pkg/providers"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Engine streams chat completions from a local ollama server. The client
// resolves its host from the OLLAMA_HOST environment variable.
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
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, nil, errors.Wrap(err, "create ollama client")
	}

	req, err := makeChatRequest(e.settings, messages)
	if err != nil {
		return nil, nil, err
	}

	cancellableCtx, cancel := context.WithCancel(ctx)
	c := make(chan helpers.Result[string])

	go func() {
		defer close(c)

		err := client.Chat(cancellableCtx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}

			select {
			case c <- helpers.NewValueResult[string](resp.Message.Content):
				return nil
			case <-cancellableCtx.Done():
				return cancellableCtx.Err()
			}
		})

		if err != nil && cancellableCtx.Err() == nil {
			log.Error().Err(err).Msg("ollama chat request failed")
			select {
			case c <- helpers.NewErrorResult[string](err):
			case <-cancellableCtx.Done():
			}
		}
	}()

	return c, cancel, nil
}

func makeChatRequest(
	settings_ *providers.Settings,
	messages []providers.Message,
) (*api.ChatRequest, error) {
	chatSettings := settings_.Chat
	if chatSettings.Engine == nil {
		return nil, errors.New("no engine specified")
	}

	ollamaMessages := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		ollamaMessages = append(ollamaMessages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	options := map[string]interface{}{}
	if chatSettings.Temperature != nil {
		options["temperature"] = *chatSettings.Temperature
	}
	if chatSettings.MaxResponseTokens != nil {
		options["num_predict"] = *chatSettings.MaxResponseTokens
	}
	if len(chatSettings.Stop) > 0 {
		options["stop"] = chatSettings.Stop
	}

	stream := true
	return &api.ChatRequest{
		Model:    *chatSettings.Engine,
		Messages: ollamaMessages,
		Stream:   &stream,
		Options:  options,
	}, nil
}

var _ providers.Engine = (*Engine)(nil)
