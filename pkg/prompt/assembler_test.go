package prompt

import (
	"context"
	"testing"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAssemblerFixture(t *testing.T) (*conversation.MemoryStore, *conversation.Conversation, *TreeAssembler) {
	t.Helper()
	store := conversation.NewMemoryStore()
	conv, err := store.CreateConversation(context.Background(), "The Old Mill", []conversation.Speaker{
		{ID: "user", Name: "Traveler", IsUser: true},
		{ID: "narrator", Name: "Narrator", SystemPrompt: "You are {{.Char}}, narrating for {{.User}}."},
	})
	require.NoError(t, err)
	require.NotNil(t, conv)
	return store, conv, NewTreeAssembler(store)
}

func TestAssembleLinearPath(t *testing.T) {
	ctx := context.Background()
	store, conv, assembler := newAssemblerFixture(t)

	root, err := store.AddMessage(ctx, conv.ID, nil, "user", "Hello?", false)
	require.NoError(t, err)
	rootID := root.Node.ID

	reply, err := store.AddMessage(ctx, conv.ID, &rootID, "narrator", "The mill creaks.", true)
	require.NoError(t, err)
	replyID := reply.Node.ID

	_, err = store.AddMessage(ctx, conv.ID, &replyID, "user", "Go inside.", false)
	require.NoError(t, err)

	messages, err := assembler.Assemble(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4)

	assert.Equal(t, providers.RoleSystem, messages[0].Role)
	assert.Equal(t, "You are Narrator, narrating for Traveler.", messages[0].Content)
	assert.Equal(t, providers.RoleUser, messages[1].Role)
	assert.Equal(t, "Hello?", messages[1].Content)
	assert.Equal(t, providers.RoleAssistant, messages[2].Role)
	assert.Equal(t, "The mill creaks.", messages[2].Content)
	assert.Equal(t, providers.RoleUser, messages[3].Role)
	assert.Equal(t, "Go inside.", messages[3].Content)
}

func TestAssembleFollowsActiveBranch(t *testing.T) {
	ctx := context.Background()
	store, conv, assembler := newAssemblerFixture(t)

	root, err := store.AddMessage(ctx, conv.ID, nil, "user", "Hello?", false)
	require.NoError(t, err)
	rootID := root.Node.ID

	first, err := store.AddMessage(ctx, conv.ID, &rootID, "narrator", "Reply one", true)
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, conv.ID, &rootID, "narrator", "Reply two", true)
	require.NoError(t, err)

	messages, err := assembler.Assemble(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "Reply two", messages[2].Content)

	_, err = store.SwitchBranch(ctx, conv.ID, first.Node.ID)
	require.NoError(t, err)

	messages, err = assembler.Assemble(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "Reply one", messages[2].Content)
}

func TestAssembleMissingConversation(t *testing.T) {
	_, _, assembler := newAssemblerFixture(t)

	messages, err := assembler.Assemble(context.Background(), conversation.NewConversationID())
	require.NoError(t, err)
	assert.Nil(t, messages)
}

func TestAssembleEmptyConversation(t *testing.T) {
	_, conv, assembler := newAssemblerFixture(t)

	messages, err := assembler.Assemble(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Nil(t, messages)
}

func TestAssembleWithoutSystemPrompt(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	conv, err := store.CreateConversation(ctx, "bare", []conversation.Speaker{
		{ID: "user", Name: "Traveler", IsUser: true},
		{ID: "bot", Name: "Bot"},
	})
	require.NoError(t, err)

	_, err = store.AddMessage(ctx, conv.ID, nil, "user", "Hello?", false)
	require.NoError(t, err)

	assembler := NewTreeAssembler(store)
	messages, err := assembler.Assemble(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, providers.RoleUser, messages[0].Role)
}

func TestAssembleSpeakerNames(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	conv, err := store.CreateConversation(ctx, "names", []conversation.Speaker{
		{ID: "user", Name: "Old Sage", IsUser: true},
		{ID: "bot", Name: "Narrator-2"},
	})
	require.NoError(t, err)

	root, err := store.AddMessage(ctx, conv.ID, nil, "user", "Hello?", false)
	require.NoError(t, err)
	rootID := root.Node.ID
	_, err = store.AddMessage(ctx, conv.ID, &rootID, "bot", "Greetings.", true)
	require.NoError(t, err)

	assembler := NewTreeAssembler(store)
	messages, err := assembler.Assemble(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	// "Old Sage" has a space, so it cannot travel as a wire name
	assert.Equal(t, "", messages[0].Name)
	assert.Equal(t, "Narrator-2", messages[1].Name)
}

func TestRenderSystemPromptSprigFunctions(t *testing.T) {
	rendered, err := RenderSystemPrompt("{{ upper .Char }} speaks to {{ .User | lower }}.", Macros{
		Char: "Narrator",
		User: "Traveler",
	})
	require.NoError(t, err)
	assert.Equal(t, "NARRATOR speaks to traveler.", rendered)
}

func TestRenderSystemPromptParseError(t *testing.T) {
	_, err := RenderSystemPrompt("You are {{.Char", Macros{Char: "Narrator"})
	require.Error(t, err)
}
