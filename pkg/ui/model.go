package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/client"
	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/reveal"
)

type errMsg error

// states:
// - user input
// - user moving around messages
// - stream completion
// - showing error

type State string

const (
	StateUserInput        State = "user_input"
	StateMovingAround     State = "moving_around"
	StateStreamCompletion State = "stream_completion"
	StateError            State = "error"
)

const (
	frameInterval  = 33 * time.Millisecond
	requestTimeout = 10 * time.Second
)

type model struct {
	client         *client.Client
	conversationID conversation.ConversationID

	conversation *conversation.Conversation
	mirror       *client.Mirror
	reveal       *reveal.Session

	viewport viewport.Model
	textArea textarea.Model
	help     help.Model

	// currently selected message on the active path
	selectedIdx int
	err         error
	keyMap      KeyMap

	style  *Style
	width  int
	height int

	genModel    string
	genProvider string

	// if not NullNode, streaming is going on
	streamNodeID conversation.NodeID
	connState    client.ConnState

	previousResponseHeight int

	state         State
	ticking       bool
	pendingSubmit bool
	quitReceived  bool
}

type frameTickMsg time.Time

type refreshMessageMsg struct {
	GoToBottom bool
}

type conversationLoadedMsg struct {
	conversation *conversation.Conversation
	mirror       *client.Mirror
}

func InitialModel(cl *client.Client, conversationID conversation.ConversationID, genModel string, genProvider string) model {
	ret := model{
		client:         cl,
		conversationID: conversationID,
		reveal:         reveal.NewSession(),
		style:          DefaultStyles(),
		keyMap:         DefaultKeyMap,
		viewport:       viewport.New(0, 0),
		help:           help.New(),
		genModel:       genModel,
		genProvider:    genProvider,
		streamNodeID:   conversation.NullNode,
	}

	ret.textArea = textarea.New()
	ret.textArea.Placeholder = "Say something..."
	ret.textArea.Focus()
	ret.state = StateUserInput

	ret.viewport.SetContent(ret.messageView())
	ret.viewport.YPosition = 0

	ret.updateKeyBindings()

	return ret
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.loadConversation())
}

func (m model) loadConversation() tea.Cmd {
	cl := m.client
	id := m.conversationID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		conv, err := cl.API().GetConversation(ctx, id)
		if err != nil {
			return errMsg(errors.Wrap(err, "failed to load conversation"))
		}
		mirror, err := cl.EnterConversation(ctx, id)
		if err != nil {
			return errMsg(errors.Wrap(err, "failed to load conversation tree"))
		}
		return conversationLoadedMsg{conversation: conv, mirror: mirror}
	}
}

func frameTick() tea.Cmd {
	return tea.Tick(frameInterval, func(t time.Time) tea.Msg {
		return frameTickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keyMap.UnfocusMessage):
			if m.state == StateUserInput {
				m.textArea.Blur()
				m.state = StateMovingAround
				m.updateKeyBindings()
			}

		case key.Matches(msg, m.keyMap.Quit):
			if !m.quitReceived {
				m.quitReceived = true
				// on first quit, ask the server to wind down a running stream;
				// it persists the partial on its side
				if m.state == StateStreamCompletion && m.mirror != nil {
					_ = m.client.Cancel(m.mirror.ConversationID())
				}
			}
			return m, tea.Quit

		case key.Matches(msg, m.keyMap.FocusMessage):
			if m.state == StateMovingAround {
				cmd = m.textArea.Focus()
				cmds = append(cmds, cmd)

				m.state = StateUserInput
				m.updateKeyBindings()
			}

		case key.Matches(msg, m.keyMap.SelectNextMessage):
			if m.mirror != nil && m.selectedIdx < len(m.mirror.ActivePath())-1 {
				m.selectedIdx++
				cmds = append(cmds, func() tea.Msg { return refreshMessageMsg{} })
			}

		case key.Matches(msg, m.keyMap.SelectPrevMessage):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				cmds = append(cmds, func() tea.Msg { return refreshMessageMsg{} })
			}

		case key.Matches(msg, m.keyMap.SubmitMessage):
			if m.state == StateUserInput {
				cmd = m.submit()
				cmds = append(cmds, cmd)
			}

		case key.Matches(msg, m.keyMap.SwipePrevBranch):
			cmd = m.swipeBranch(conversation.SwipePrev)
			cmds = append(cmds, cmd)

		case key.Matches(msg, m.keyMap.SwipeNextBranch):
			cmd = m.swipeBranch(conversation.SwipeNext)
			cmds = append(cmds, cmd)

		case key.Matches(msg, m.keyMap.Regenerate):
			cmd = m.regenerate()
			cmds = append(cmds, cmd)

		case key.Matches(msg, m.keyMap.DeleteMessage):
			cmd = m.deleteSelected()
			cmds = append(cmds, cmd)

		case key.Matches(msg, m.keyMap.CancelCompletion):
			if m.state == StateStreamCompletion && m.mirror != nil {
				if err := m.client.Cancel(m.mirror.ConversationID()); err != nil {
					err_ := errors.Wrap(err, "failed to cancel stream")
					cmds = append(cmds, func() tea.Msg { return errMsg(err_) })
				}
			}
			return m, tea.Batch(cmds...)

		case key.Matches(msg, m.keyMap.DismissError):
			if m.state == StateError {
				m.err = nil
				m.state = StateUserInput
				cmd = m.textArea.Focus()
				cmds = append(cmds, cmd)
				m.updateKeyBindings()
				if m.mirror == nil {
					cmds = append(cmds, m.loadConversation())
				}
			}
			return m, tea.Batch(cmds...)

		case key.Matches(msg, m.keyMap.Help):
			m.help.ShowAll = !m.help.ShowAll
			m.recomputeSize()

		default:
			switch m.state {
			case StateUserInput:
				m.textArea, cmd = m.textArea.Update(msg)
				cmds = append(cmds, cmd)
			case StateMovingAround, StateStreamCompletion, StateError:
				m.viewport, cmd = m.viewport.Update(msg)
				cmds = append(cmds, cmd)
			}
			return m, tea.Batch(cmds...)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		m.recomputeSize()

	case errMsg:
		m.pendingSubmit = false
		cmd = m.setError(msg)
		cmds = append(cmds, cmd)

	case conversationLoadedMsg:
		m.conversation = msg.conversation
		m.mirror = msg.mirror
		m.selectedIdx = len(m.mirror.ActivePath()) - 1
		if m.selectedIdx < 0 {
			m.selectedIdx = 0
		}
		// a stream may already be running in this conversation; pick it up
		// from the snapshot the subscription delivered
		if meta := m.mirror.Streaming(); meta != nil {
			m.adoptStream(meta.NodeID, m.mirror.Truth())
			if !m.ticking {
				m.ticking = true
				cmds = append(cmds, frameTick())
			}
		}
		m.recomputeSize()
		cmds = append(cmds, func() tea.Msg { return refreshMessageMsg{GoToBottom: true} })

	case ConnStateMsg:
		m.connState = msg.State

	case StreamStartMsg:
		m.reveal.Start()
		m.streamNodeID = msg.NodeID
		m.err = nil
		m.pendingSubmit = false
		m.state = StateStreamCompletion
		m.textArea.Blur()
		m.previousResponseHeight = 0
		m.updateKeyBindings()
		cmds = append(cmds, func() tea.Msg { return refreshMessageMsg{GoToBottom: true} })
		if !m.ticking {
			m.ticking = true
			cmds = append(cmds, frameTick())
		}

	case StreamDeltaMsg:
		m.reveal.AppendChunk(msg.Delta)

	case StreamSnapshotMsg:
		m.reveal.SetContent(msg.Content)

	case StreamDoneMsg:
		m.reveal.Finalize()
		cmd = m.finishStream()
		cmds = append(cmds, cmd)

	case StreamErrorMsg:
		m.reveal.Cancel()
		m.streamNodeID = conversation.NullNode
		m.pendingSubmit = false
		cmd = m.setError(errors.New(msg.Err))
		cmds = append(cmds, cmd)

	case frameTickMsg:
		if m.state != StateStreamCompletion {
			m.ticking = false
			return m, tea.Batch(cmds...)
		}
		if _, changed := m.reveal.Advance(time.Time(msg)); changed {
			newHeight := lipgloss.Height(m.textAreaView())
			if newHeight != m.previousResponseHeight {
				m.recomputeSize()
				m.previousResponseHeight = newHeight
			}
			m.viewport.GotoBottom()
		}
		cmds = append(cmds, frameTick())

	case refreshMessageMsg:
		if m.mirror != nil {
			if n := len(m.mirror.ActivePath()); m.selectedIdx >= n && n > 0 {
				m.selectedIdx = n - 1
			}
			if m.selectedIdx < 0 {
				m.selectedIdx = 0
			}
		}
		m.viewport.SetContent(m.messageView())
		m.recomputeSize()
		if msg.GoToBottom {
			m.viewport.GotoBottom()
		}

	default:
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *model) updateKeyBindings() {
	m.keyMap.SelectNextMessage.SetEnabled(m.state == StateMovingAround)
	m.keyMap.SelectPrevMessage.SetEnabled(m.state == StateMovingAround)
	m.keyMap.SwipePrevBranch.SetEnabled(m.state == StateMovingAround)
	m.keyMap.SwipeNextBranch.SetEnabled(m.state == StateMovingAround)
	m.keyMap.DeleteMessage.SetEnabled(m.state == StateMovingAround)
	m.keyMap.FocusMessage.SetEnabled(m.state == StateMovingAround)
	m.keyMap.UnfocusMessage.SetEnabled(m.state == StateUserInput)
	m.keyMap.SubmitMessage.SetEnabled(m.state == StateUserInput)
	m.keyMap.Regenerate.SetEnabled(m.state == StateUserInput || m.state == StateMovingAround)

	m.keyMap.DismissError.SetEnabled(m.state == StateError)
	m.keyMap.CancelCompletion.SetEnabled(m.state == StateStreamCompletion)
}

// adoptStream switches the model into streaming mode for a stream that was
// already running before we joined, seeding the reveal buffer with the
// catch-up snapshot.
func (m *model) adoptStream(nodeID conversation.NodeID, caughtUp string) {
	m.reveal.Start()
	if caughtUp != "" {
		m.reveal.SetContent(caughtUp)
	}
	m.streamNodeID = nodeID
	m.state = StateStreamCompletion
	m.textArea.Blur()
	m.previousResponseHeight = 0
	m.updateKeyBindings()
}

func (m *model) recomputeSize() {
	headerView := m.headerView()
	headerHeight := lipgloss.Height(headerView)
	textAreaView := m.textAreaView()
	textAreaHeight := lipgloss.Height(textAreaView)

	helpView := m.help.View(m.keyMap)
	helpViewHeight := lipgloss.Height(helpView)

	m.previousResponseHeight = textAreaHeight
	newHeight := m.height - textAreaHeight - headerHeight - helpViewHeight
	if newHeight < 0 {
		newHeight = 0
	}
	m.viewport.Width = m.width
	m.viewport.Height = newHeight
	m.viewport.YPosition = headerHeight + 1

	h, _ := m.style.SelectedMessage.GetFrameSize()
	m.textArea.SetWidth(m.width - h)

	m.viewport.SetContent(m.messageView())
	m.viewport.GotoBottom()
}

func (m model) headerView() string {
	title := "marionette"
	if m.conversation != nil && m.conversation.Title != "" {
		title = m.conversation.Title
	}
	status := m.connState.String()
	if m.state == StateStreamCompletion {
		status += " · streaming"
	}
	return m.style.Header.Render(title) + m.style.StatusBar.Render(status)
}

func (m model) messageView() string {
	if m.mirror == nil || !m.mirror.Loaded() {
		return "loading conversation..."
	}

	ret := ""
	path := m.mirror.ActivePath()
	w, _ := m.style.SelectedMessage.GetFrameSize()

	for idx := range path {
		node := path[idx]
		// the in-flight reply renders in the completion slot below, not here
		if m.state == StateStreamCompletion && node.ID == m.streamNodeID {
			continue
		}

		v := fmt.Sprintf("[%s]: %s", speakerLabel(m.conversation, node), node.Message)
		if badge := branchBadge(m.mirror, node); badge != "" {
			v += " " + m.style.BranchBadge.Render(badge)
		}

		style := m.style.UnselectedMessage
		if m.state == StateMovingAround && idx == m.selectedIdx {
			style = m.style.SelectedMessage
		}

		ret += style.Width(m.width - w).Render(v)
		ret += "\n"
	}

	return ret
}

func (m model) textAreaView() string {
	if m.err != nil {
		w, _ := m.style.ErrorMessage.GetFrameSize()
		return m.style.ErrorMessage.Width(m.width - w).Render(m.err.Error())
	}

	// we are currently streaming
	if m.state == StateStreamCompletion {
		w, _ := m.style.SelectedMessage.GetFrameSize()
		v := m.reveal.Visible()
		if v == "" {
			v = "..."
		}
		return m.style.SelectedMessage.Width(m.width - w).Render(v)
	}

	v := m.textArea.View()
	switch m.state {
	case StateUserInput:
		v = m.style.FocusedMessage.Render(v)
	case StateMovingAround, StateStreamCompletion:
		v = m.style.UnselectedMessage.Render(v)
	case StateError:
	}

	return v
}

func (m model) View() string {
	headerView := m.headerView()
	viewportView := m.viewport.View()
	textAreaView := m.textAreaView()
	helpView := m.help.View(m.keyMap)

	return headerView + "\n" + viewportView + "\n" + textAreaView + "\n" + helpView
}

func (m *model) submit() tea.Cmd {
	if m.mirror == nil || !m.mirror.Loaded() {
		return nil
	}
	if m.state == StateStreamCompletion || m.pendingSubmit || m.mirror.Streaming() != nil {
		return func() tea.Msg {
			return errMsg(errors.New("already streaming"))
		}
	}
	text := strings.TrimSpace(m.textArea.Value())
	if text == "" {
		return nil
	}

	speakerID := ""
	if m.conversation != nil {
		if sp, ok := m.conversation.FirstUserSpeaker(); ok {
			speakerID = sp.ID
		}
	}
	var parentID *conversation.NodeID
	if path := m.mirror.ActivePath(); len(path) > 0 {
		id := path[len(path)-1].ID
		parentID = &id
	}

	m.textArea.SetValue("")
	m.pendingSubmit = true
	m.viewport.GotoBottom()

	cl := m.client
	mirror := m.mirror
	convID := m.mirror.ConversationID()
	genModel := m.genModel
	genProvider := m.genProvider

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		res, err := cl.API().AddMessage(ctx, convID, client.AddMessageRequest{
			ParentID:  parentID,
			SpeakerID: speakerID,
			Text:      text,
		})
		if err != nil {
			return errMsg(errors.Wrap(err, "failed to send message"))
		}
		mirror.Upsert(res.Node, res.UpdatedParent)
		if _, err := cl.StartGeneration(convID, genModel, genProvider, false); err != nil {
			return errMsg(errors.Wrap(err, "failed to request reply"))
		}
		return refreshMessageMsg{GoToBottom: true}
	}
}

func (m *model) swipeBranch(direction conversation.SwipeDirection) tea.Cmd {
	if m.mirror == nil {
		return nil
	}
	path := m.mirror.ActivePath()
	if m.selectedIdx < 0 || m.selectedIdx >= len(path) {
		return nil
	}
	nodeID := path[m.selectedIdx].ID

	cl := m.client
	mirror := m.mirror
	convID := m.mirror.ConversationID()

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		res, err := cl.API().SwipeSibling(ctx, convID, nodeID, direction)
		if err != nil {
			return errMsg(errors.Wrap(err, "failed to swipe branch"))
		}
		if res == nil {
			// no sibling in that direction
			return nil
		}
		mirror.Upsert(res.UpdatedParent, res.ActiveSibling)
		return refreshMessageMsg{GoToBottom: true}
	}
}

func (m *model) regenerate() tea.Cmd {
	if m.mirror == nil || m.state == StateStreamCompletion || m.pendingSubmit {
		return nil
	}

	cl := m.client
	convID := m.mirror.ConversationID()
	genModel := m.genModel
	genProvider := m.genProvider
	m.pendingSubmit = true

	return func() tea.Msg {
		if _, err := cl.StartGeneration(convID, genModel, genProvider, true); err != nil {
			return errMsg(errors.Wrap(err, "failed to request regeneration"))
		}
		return nil
	}
}

func (m *model) deleteSelected() tea.Cmd {
	if m.mirror == nil || m.state == StateStreamCompletion {
		return nil
	}
	path := m.mirror.ActivePath()
	if m.selectedIdx < 0 || m.selectedIdx >= len(path) {
		return nil
	}
	nodeID := path[m.selectedIdx].ID

	cl := m.client
	mirror := m.mirror

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := cl.API().DeleteMessage(ctx, nodeID); err != nil && !client.IsNotFound(err) {
			return errMsg(errors.Wrap(err, "failed to delete message"))
		}
		mirror.Remove(nodeID)
		return refreshMessageMsg{GoToBottom: true}
	}
}

func (m *model) setError(err error) tea.Cmd {
	m.err = err
	m.state = StateError
	m.updateKeyBindings()
	return func() tea.Msg {
		return refreshMessageMsg{GoToBottom: true}
	}
}

func (m *model) finishStream() tea.Cmd {
	// stream already wound down, happens when error and completion finish
	// or cancellation race each other
	if m.streamNodeID == conversation.NullNode && m.state != StateStreamCompletion {
		return nil
	}

	m.streamNodeID = conversation.NullNode
	m.state = StateUserInput
	m.textArea.Focus()
	m.previousResponseHeight = 0
	if m.mirror != nil {
		m.selectedIdx = len(m.mirror.ActivePath()) - 1
		if m.selectedIdx < 0 {
			m.selectedIdx = 0
		}
	}

	m.recomputeSize()
	m.updateKeyBindings()

	if m.quitReceived {
		return tea.Quit
	}

	return func() tea.Msg {
		return refreshMessageMsg{GoToBottom: true}
	}
}
