package providers

import (
	"context"

	"github.com/go-go-golems/marionette/pkg/helpers"
	"github.com/pkg/errors"
)

// ApiType identifies an inference backend.
type ApiType string

const (
	ApiTypeOpenAI ApiType = "openai"
	ApiTypeOllama ApiType = "ollama"
)

// Role is the conversational role a prompt message is sent under.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single prompt message for an inference backend.
type Message struct {
	Role    Role   `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// ErrMissingAPIKey is returned when the settings carry no API key for the
// requested provider.
var ErrMissingAPIKey = errors.New("missing API key")

// Engine streams a chat completion from an inference backend.
//
// Stream starts the completion and returns a channel of content deltas. The
// channel is closed when the completion finishes, fails or is cancelled; a
// failure arrives as the last result before the close. The cancel function
// stops the underlying request.
type Engine interface {
	Stream(ctx context.Context, messages []Message) (<-chan helpers.Result[string], func(), error)
}
