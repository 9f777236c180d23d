package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fameoflight/mailsweep/internal/gmail"
	"github.com/fameoflight/mailsweep/internal/store"
)

var (
	addHeadless    bool
	addForceReauth bool
)

var addAccountCmd = &cobra.Command{
	Use:   "add-account <email>",
	Short: "Add a Gmail account via OAuth",
	Long: `Add a Gmail account by completing the OAuth2 authorization flow.

By default, opens a browser for authorization. Use --headless for the
device flow on machines without a browser.

If a token already exists, the command skips authorization. Use --force
to delete the existing token and re-authorize (useful when a token has
expired or been revoked).

Examples:
  mailsweep add-account you@gmail.com
  mailsweep add-account you@gmail.com --headless
  mailsweep add-account you@gmail.com --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		oauthMgr, err := newOAuthManager()
		if err != nil {
			return err
		}

		// --force deletes the existing token so we re-authorize
		if addForceReauth && oauthMgr.HasToken(email) {
			fmt.Printf("Removing existing token for %s...\n", email)
			if err := oauthMgr.DeleteToken(email); err != nil {
				return fmt.Errorf("delete existing token: %w", err)
			}
		}

		if oauthMgr.HasToken(email) {
			fmt.Printf("Account %s is already authorized.\n", email)
			fmt.Println("Next step: mailsweep sync", email)
			fmt.Println("To re-authorize (e.g., expired token), run: mailsweep add-account", email, "--force")
			return nil
		}

		if err := oauthMgr.Authorize(cmd.Context(), email, addHeadless); err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}

		// Verify the granted token belongs to the requested account;
		// authorizing the wrong Google account in the browser is easy.
		tokenSource, err := oauthMgr.TokenSource(cmd.Context(), email)
		if err != nil {
			return fmt.Errorf("get token source: %w", err)
		}
		client := gmail.NewClient(tokenSource, gmail.WithLogger(logger))
		defer client.Close()

		profile, err := client.GetProfile(cmd.Context())
		if err != nil {
			return fmt.Errorf("verify account: %w", err)
		}
		if !strings.EqualFold(profile.EmailAddress, email) {
			oauthMgr.DeleteToken(email)
			return fmt.Errorf("authorized as %s but expected %s; token discarded, run again", profile.EmailAddress, email)
		}
		fmt.Printf("Verified %s (%d messages in mailbox)\n", profile.EmailAddress, profile.MessagesTotal)

		// Create the account's cache database up front so later
		// commands fail early on a bad data directory.
		s, err := store.Open(cfg.DatabasePath(email))
		if err != nil {
			return fmt.Errorf("create cache: %w", err)
		}
		s.Close()

		fmt.Printf("\nAccount %s authorized successfully!\n", email)
		fmt.Println("You can now run: mailsweep sync", email)

		return nil
	},
}

func init() {
	addAccountCmd.Flags().BoolVar(&addHeadless, "headless", false, "Use the device flow instead of opening a browser")
	addAccountCmd.Flags().BoolVar(&addForceReauth, "force", false, "Delete existing token and re-authorize")
	rootCmd.AddCommand(addAccountCmd)
}
