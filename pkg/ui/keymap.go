package ui

import "github.com/charmbracelet/bubbles/key"

type KeyMap struct {
	SelectPrevMessage key.Binding
	SelectNextMessage key.Binding
	UnfocusMessage    key.Binding
	FocusMessage      key.Binding
	SubmitMessage     key.Binding
	ScrollUp          key.Binding
	ScrollDown        key.Binding
	CancelCompletion  key.Binding

	SwipePrevBranch key.Binding
	SwipeNextBranch key.Binding
	Regenerate      key.Binding
	DeleteMessage   key.Binding

	DismissError key.Binding

	Help key.Binding
	Quit key.Binding
}

var DefaultKeyMap = KeyMap{
	SelectPrevMessage: key.NewBinding(key.WithKeys("up"), key.WithHelp("↑", "previous message")),
	SelectNextMessage: key.NewBinding(key.WithKeys("down"), key.WithHelp("↓", "next message")),
	UnfocusMessage:    key.NewBinding(key.WithKeys("esc", "ctrl+g"), key.WithHelp("esc", "browse messages")),
	FocusMessage:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "write message")),
	SubmitMessage:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "send")),
	ScrollUp:          key.NewBinding(key.WithKeys("shift+pgup"), key.WithHelp("shift+pgup", "scroll up")),
	ScrollDown:        key.NewBinding(key.WithKeys("shift+pgdown"), key.WithHelp("shift+pgdown", "scroll down")),
	CancelCompletion:  key.NewBinding(key.WithKeys("esc", "ctrl+g"), key.WithHelp("esc", "cancel stream")),

	SwipePrevBranch: key.NewBinding(key.WithKeys("left"), key.WithHelp("←", "previous branch")),
	SwipeNextBranch: key.NewBinding(key.WithKeys("right"), key.WithHelp("→", "next branch")),
	Regenerate:      key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "regenerate")),
	DeleteMessage:   key.NewBinding(key.WithKeys("ctrl+d"), key.WithHelp("ctrl+d", "delete message")),

	DismissError: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "dismiss error")),

	Help: key.NewBinding(key.WithKeys("ctrl+h"), key.WithHelp("ctrl+h", "help")),
	Quit: key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{
		k.FocusMessage,
		k.UnfocusMessage,
		k.SubmitMessage,
		k.SwipePrevBranch,
		k.SwipeNextBranch,
		k.Regenerate,
		k.CancelCompletion,
		k.Quit,
	}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.SelectPrevMessage, k.SelectNextMessage, k.FocusMessage, k.UnfocusMessage},
		{k.SubmitMessage, k.Regenerate, k.CancelCompletion, k.DeleteMessage},
		{k.SwipePrevBranch, k.SwipeNextBranch, k.ScrollUp, k.ScrollDown},
		{k.DismissError, k.Help, k.Quit},
	}
}
