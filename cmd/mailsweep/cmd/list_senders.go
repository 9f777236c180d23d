package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fameoflight/mailsweep/internal/store"
	"github.com/fameoflight/mailsweep/internal/textutil"
)

var listSendersLimit int

var listSendersCmd = &cobra.Command{
	Use:   "list-senders <email>",
	Short: "List top senders by cached message count",
	Long: `List senders ranked by how many of their messages are in the cache.

Use this to find who sends you the most email, then feed the noisy ones
to 'archive --sender'.

Examples:
  mailsweep list-senders you@gmail.com
  mailsweep list-senders you@gmail.com --limit 50`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.DatabasePath(args[0]))
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer s.Close()

		senders, err := s.TopSenders(listSendersLimit)
		if err != nil {
			return fmt.Errorf("list senders: %w", err)
		}
		if len(senders) == 0 {
			fmt.Println("No senders found. Run 'sync' first.")
			return nil
		}

		fmt.Printf("%-40s %-25s %8s %8s %12s\n", "Sender", "Name", "Count", "Unread", "Newest")
		for _, st := range senders {
			newest := time.Unix(st.Newest, 0).Format("2006-01-02")
			fmt.Printf("%-40s %-25s %8d %8d %12s\n",
				textutil.TruncateRunes(st.Email, 40), textutil.TruncateRunes(st.Name, 25),
				st.Count, st.Unread, newest)
		}

		return nil
	},
}

func init() {
	listSendersCmd.Flags().IntVar(&listSendersLimit, "limit", 20, "Maximum senders to show")
	rootCmd.AddCommand(listSendersCmd)
}
