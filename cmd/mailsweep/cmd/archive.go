package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fameoflight/mailsweep/internal/archive"
)

var (
	archiveSender string
	archiveDomain string
	archiveUnread bool
	archiveOldest bool
	archiveNewest bool
	archiveLimit  int
	archiveYes    bool
)

var archiveCmd = &cobra.Command{
	Use:   "archive <email>",
	Short: "Bulk-archive messages matching a selection",
	Long: `Archive messages in bulk by removing the INBOX label.

The selection runs against the local cache, so sync first. Exactly one
selection flag is required. The local cache is updated optimistically;
the next sync reconciles anything a failed remote call left behind.

Examples:
  mailsweep archive you@gmail.com --sender newsletter@example.com
  mailsweep archive you@gmail.com --domain marketing.example.com
  mailsweep archive you@gmail.com --unread --limit 500
  mailsweep archive you@gmail.com --oldest --limit 1000 --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		criterion, err := buildCriterion()
		if err != nil {
			return err
		}

		oauthMgr, err := newOAuthManager()
		if err != nil {
			return err
		}

		session, err := openAccountSession(cmd.Context(), oauthMgr, email)
		if err != nil {
			return err
		}
		defer session.Close()

		limit := cfg.Archive.SelectionLimit
		if archiveLimit > 0 {
			limit = archiveLimit
		}
		selected, err := criterion.Resolve(session.store, limit)
		if err != nil {
			return fmt.Errorf("resolve selection: %w", err)
		}
		if len(selected) == 0 {
			fmt.Printf("No cached messages match %s.\n", criterion)
			return nil
		}

		ids := make([]string, len(selected))
		for i, rec := range selected {
			ids[i] = rec.ID
		}

		if !archiveYes {
			if !confirm(fmt.Sprintf("Archive %d messages (%s)? [y/N] ", len(ids), criterion)) {
				fmt.Println("Aborted.")
				return nil
			}
		}

		opts := archive.DefaultOptions()
		opts.ChunkSize = cfg.Archive.ChunkSize
		opts.ChunksPerMin = cfg.Archive.ChunksPerMin

		archiver := archive.New(session.client, session.store, opts).
			WithLogger(logger).
			WithProgress(&CLIProgress{})

		summary, err := archiver.Archive(cmd.Context(), ids)
		if err != nil {
			return fmt.Errorf("archive failed: %w", err)
		}

		fmt.Println()
		fmt.Println("Archive complete!")
		fmt.Printf("  Duration:  %s\n", summary.Duration.Round(time.Second))
		fmt.Printf("  Archived:  %d messages in %d chunk(s)\n", summary.Selected, summary.Chunks)
		if summary.FailedChunks > 0 {
			fmt.Printf("  Failed:    %d chunk(s) (cache updated anyway; next sync reconciles)\n",
				summary.FailedChunks)
		}

		return nil
	},
}

// buildCriterion maps the selection flags onto a criterion, requiring
// exactly one.
func buildCriterion() (archive.Criterion, error) {
	var criteria []archive.Criterion
	if archiveSender != "" {
		criteria = append(criteria, archive.BySender(archiveSender))
	}
	if archiveDomain != "" {
		criteria = append(criteria, archive.ByDomain(archiveDomain))
	}
	if archiveUnread {
		criteria = append(criteria, archive.Unread())
	}
	if archiveOldest {
		criteria = append(criteria, archive.ByDateWindow(true, archiveLimit))
	}
	if archiveNewest {
		criteria = append(criteria, archive.ByDateWindow(false, archiveLimit))
	}

	switch len(criteria) {
	case 0:
		return archive.Criterion{}, fmt.Errorf("no selection: use one of --sender, --domain, --unread, --oldest, --newest")
	case 1:
		return criteria[0], nil
	default:
		return archive.Criterion{}, fmt.Errorf("only one of --sender, --domain, --unread, --oldest, --newest may be used")
	}
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func init() {
	archiveCmd.Flags().StringVar(&archiveSender, "sender", "", "Archive messages from this sender address")
	archiveCmd.Flags().StringVar(&archiveDomain, "domain", "", "Archive messages from this sender domain")
	archiveCmd.Flags().BoolVar(&archiveUnread, "unread", false, "Archive unread messages")
	archiveCmd.Flags().BoolVar(&archiveOldest, "oldest", false, "Archive the oldest messages in the inbox")
	archiveCmd.Flags().BoolVar(&archiveNewest, "newest", false, "Archive the newest messages in the inbox")
	archiveCmd.Flags().IntVar(&archiveLimit, "limit", 0, "Maximum messages to archive (default from config)")
	archiveCmd.Flags().BoolVar(&archiveYes, "yes", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(archiveCmd)
}
