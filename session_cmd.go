package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autolog/internal/config"
	"github.com/tonimelisma/autolog/internal/session"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the access token used for backend requests",
		Long: `Store the signed-in user's access token. Backend requests carry it as the
bearer credential so row-level security applies; without one they use the
project API key.`,
	}

	cmd.AddCommand(newSessionSetCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionClearCmd())

	return cmd
}

func newSessionSetCmd() *cobra.Command {
	var (
		userID    string
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "set <access-token>",
		Short: "Save an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd)

			path := config.SessionPath()
			if err := session.Save(path, session.New(args[0], userID, expiresIn, time.Now())); err != nil {
				return err
			}

			cc.Logger.Info("session saved", "path", path, "user_id", userID)
			cc.Statusf("Session saved.\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "ID of the user the token belongs to")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime (0 = no expiry)")

	return cmd
}

// sessionInfo is what session show reports. The token itself is never shown.
type sessionInfo struct {
	Saved   bool       `json:"saved"`
	UserID  string     `json:"userId,omitempty"`
	Expires *time.Time `json:"expires,omitempty"`
	Expired bool       `json:"expired"`
}

func newSessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the saved session without revealing the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)

			sess, err := session.Load(config.SessionPath())
			if err != nil {
				return err
			}

			info := sessionInfo{}

			if sess != nil {
				info.Saved = true
				info.UserID = sess.UserID
				info.Expired = sess.Expired(time.Now())

				if !sess.Token.Expiry.IsZero() {
					exp := sess.Token.Expiry
					info.Expires = &exp
				}
			}

			if cc.Flags.JSON {
				return printJSON(cc.Out, info)
			}

			switch {
			case !info.Saved:
				fmt.Fprintln(cc.Out, "No session saved; requests use the API key.")
			case info.Expired:
				fmt.Fprintf(cc.Out, "Session for %q expired %s.\n", info.UserID, formatTime(*info.Expires))
			case info.Expires != nil:
				fmt.Fprintf(cc.Out, "Session for %q valid until %s.\n", info.UserID, formatTime(*info.Expires))
			default:
				fmt.Fprintf(cc.Out, "Session for %q without expiry.\n", info.UserID)
			}

			return nil
		},
	}
}

func newSessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the saved access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)

			if err := session.Remove(config.SessionPath()); err != nil {
				return err
			}

			cc.Statusf("Session cleared.\n")

			return nil
		},
	}
}
