package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/cogni-chat/internal/client"
	"github.com/ashureev/cogni-chat/internal/identity"
	"github.com/ashureev/cogni-chat/internal/reconcile"
)

func newSession(v *viper.Viper) (*client.Session, error) {
	token := v.GetString("token")
	if token == "" {
		return nil, errors.New("no token: pass --token, set CHATCTL_TOKEN or add token to the config file")
	}
	api := client.NewHTTPClient(v.GetString("server"), token)
	return client.NewSession(api, slog.Default()), nil
}

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession(v)
			if err != nil {
				return err
			}
			if err := session.Refresh(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, c := range session.State().Conversations {
				fmt.Fprintf(out, "%s\t%s\t%s\n", c.ID, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
			}
			return nil
		},
	}
}

func newShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversationID>",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession(v)
			if err != nil {
				return err
			}
			if err := session.Select(cmd.Context(), args[0]); err != nil {
				return err
			}
			printTranscript(cmd.OutOrStdout(), session.State().Transcript)
			return nil
		},
	}
}

func newAskCmd(v *viper.Viper) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "ask [--conversation id] <question...>",
		Short: "Ask a question, starting a new conversation unless one is given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession(v)
			if err != nil {
				return err
			}
			if conversationID != "" {
				if err := session.Select(cmd.Context(), conversationID); err != nil {
					return err
				}
			}

			turnErr := session.SendTurn(cmd.Context(), strings.Join(args, " "))

			st := session.State()
			out := cmd.OutOrStdout()
			if n := len(st.Transcript); n > 0 {
				fmt.Fprintln(out, st.Transcript[n-1].Content)
			}
			if turnErr == nil && conversationID == "" && st.ActiveConversationID != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", st.ActiveConversationID)
			}
			return turnErr
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue this conversation")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development token for a user id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			tok, err := identity.IssueToken(secret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret of the server")
	cmd.Flags().StringVar(&userID, "user", "", "user id to put in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printTranscript(w io.Writer, transcript []reconcile.Message) {
	for _, m := range transcript {
		fmt.Fprintf(w, "[%s] %s\n", m.Role, m.Content)
	}
}
