package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/client"
	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/ui"
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "chat is a terminal client for a marionette server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogger()
	},
	RunE: runChat,
}

func initLogger() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:     os.Stderr,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	})

	switch strings.ToLower(viper.GetString("log-level")) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		api := client.NewAPI(viper.GetString("server"), nil)
		conversations, err := api.ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		for _, conv := range conversations {
			fmt.Printf("%s\t%s\n", conv.ID.String(), conv.Title)
		}
		return nil
	},
}

// resolveConversation joins the conversation named on the command line, or
// creates a fresh one with a user and an assistant speaker.
func resolveConversation(ctx context.Context, api *client.API) (conversation.ConversationID, error) {
	if s := viper.GetString("conversation"); s != "" {
		id, err := conversation.ParseConversationID(s)
		if err != nil {
			return conversation.ConversationID{}, errors.Wrap(err, "invalid conversation id")
		}
		if _, err := api.GetConversation(ctx, id); err != nil {
			return conversation.ConversationID{}, errors.Wrap(err, "failed to fetch conversation")
		}
		return id, nil
	}

	title := viper.GetString("title")
	if title == "" {
		title = "New conversation"
	}
	conv, err := api.CreateConversation(ctx, title, []conversation.Speaker{
		{ID: "user", Name: "You", IsUser: true},
		{ID: "assistant", Name: "Assistant", SystemPrompt: viper.GetString("system-prompt")},
	})
	if err != nil {
		return conversation.ConversationID{}, errors.Wrap(err, "failed to create conversation")
	}
	log.Info().Str("conversation_id", conv.ID.String()).Msg("created conversation")
	return conv.ID, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cl := client.NewClient(viper.GetString("server"))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	convID, err := resolveConversation(ctx, cl.API())
	if err != nil {
		return err
	}

	m := ui.InitialModel(cl, convID, viper.GetString("model"), viper.GetString("provider"))

	options := []tea.ProgramOption{}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		options = append(options, tea.WithAltScreen())
	} else {
		options = append(options, tea.WithOutput(os.Stderr))
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		tty, err := ui.OpenTTY()
		if err != nil {
			return errors.Wrap(err, "failed to open terminal for input")
		}
		defer func() {
			_ = tty.Close()
		}()
		options = append(options, tea.WithInput(tty))
	}

	p := tea.NewProgram(m, options...)
	cl.SetEventHandler(ui.EventForwardFunc(p))
	cl.SetStateHandler(ui.StateForwardFunc(p))

	eg := errgroup.Group{}
	eg.Go(func() error {
		if err := cl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		defer cancel()
		_, err := p.Run()
		return err
	})

	return eg.Wait()
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:3700", "Base URL of the marionette server")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().String("conversation", "", "Conversation id to join, a new one is created when empty")
	rootCmd.Flags().String("title", "", "Title for a newly created conversation")
	rootCmd.Flags().String("system-prompt", "", "System prompt for the assistant speaker of a new conversation")
	rootCmd.Flags().String("model", "gpt-4o-mini", "Model requested for generation")
	rootCmd.Flags().String("provider", "openai", "Provider requested for generation (openai, ollama)")

	viper.SetEnvPrefix("marionette")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(rootCmd.PersistentFlags()))
	cobra.CheckErr(viper.BindPFlags(rootCmd.Flags()))

	rootCmd.AddCommand(listCmd)
}
