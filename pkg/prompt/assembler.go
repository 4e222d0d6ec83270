package prompt

import (
	"bytes"
	"context"
	"regexp"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/providers"
	"github.com/pkg/errors"
)

// Assembler turns a conversation into the ordered role-tagged messages sent
// to a model. Returns nil without error when the conversation does not exist
// or has nothing along its active path.
type Assembler interface {
	Assemble(ctx context.Context, conversationID conversation.ConversationID) ([]providers.Message, error)
}

// Macros is the data available to speaker system prompt templates.
type Macros struct {
	Char string
	User string
}

// TreeAssembler builds prompts by walking the store's active path: one
// message per node, user or assistant depending on the node's speaker,
// preceded by the bot speaker's rendered system prompt when it has one.
type TreeAssembler struct {
	store conversation.Store
}

func NewTreeAssembler(store conversation.Store) *TreeAssembler {
	return &TreeAssembler{
		store: store,
	}
}

func (a *TreeAssembler) Assemble(
	ctx context.Context,
	conversationID conversation.ConversationID,
) ([]providers.Message, error) {
	conv, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}

	path, err := a.store.ActivePath(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, nil
	}

	macros := Macros{}
	bot, haveBot := conv.FirstBotSpeaker()
	if haveBot {
		macros.Char = bot.Name
	}
	if user, ok := conv.FirstUserSpeaker(); ok {
		macros.User = user.Name
	}

	messages := make([]providers.Message, 0, len(path)+1)

	if haveBot && bot.SystemPrompt != "" {
		rendered, err := RenderSystemPrompt(bot.SystemPrompt, macros)
		if err != nil {
			return nil, err
		}
		messages = append(messages, providers.Message{
			Role:    providers.RoleSystem,
			Content: rendered,
		})
	}

	for _, node := range path {
		role := providers.RoleUser
		if node.IsBot {
			role = providers.RoleAssistant
		}

		name := ""
		if speaker, ok := conv.Speaker(node.SpeakerID); ok {
			name = wireName(speaker.Name)
		}

		messages = append(messages, providers.Message{
			Role:    role,
			Name:    name,
			Content: node.Message,
		})
	}

	return messages, nil
}

// RenderSystemPrompt expands a speaker's system prompt template. Besides the
// {{.Char}} and {{.User}} macros the full sprig function map is available.
func RenderSystemPrompt(prompt string, macros Macros) (string, error) {
	tmpl, err := template.New("system-prompt").Funcs(sprig.FuncMap()).Parse(prompt)
	if err != nil {
		return "", errors.Wrap(err, "parse system prompt")
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, macros); err != nil {
		return "", errors.Wrap(err, "render system prompt")
	}

	return buf.String(), nil
}

// wireNameRe matches the message name charset OpenAI accepts.
var wireNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// wireName returns the speaker name when it is safe to send as a message
// name, empty otherwise. Display names with spaces or unicode stay local.
func wireName(name string) string {
	if wireNameRe.MatchString(name) {
		return name
	}
	return ""
}

var _ Assembler = (*TreeAssembler)(nil)
