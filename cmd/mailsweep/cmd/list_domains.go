package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fameoflight/mailsweep/internal/store"
	"github.com/fameoflight/mailsweep/internal/textutil"
)

var listDomainsLimit int

var listDomainsCmd = &cobra.Command{
	Use:   "list-domains <email>",
	Short: "List top sender domains by cached message count",
	Long: `List sender domains ranked by how many of their messages are in the
cache. Useful for spotting newsletter subscriptions and other high-volume
domains worth feeding to 'archive --domain'.

Examples:
  mailsweep list-domains you@gmail.com
  mailsweep list-domains you@gmail.com --limit 50`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.DatabasePath(args[0]))
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer s.Close()

		domains, err := s.DomainStats(listDomainsLimit)
		if err != nil {
			return fmt.Errorf("list domains: %w", err)
		}
		if len(domains) == 0 {
			fmt.Println("No domains found. Run 'sync' first.")
			return nil
		}

		fmt.Printf("%-35s %8s %8s  %s\n", "Domain", "Count", "Unread", "Senders")
		for _, d := range domains {
			fmt.Printf("%-35s %8d %8d  %s\n",
				textutil.TruncateRunes(d.Domain, 35), d.Count, d.Unread,
				textutil.TruncateRunes(strings.Join(d.SampleNames, ", "), 50))
		}

		return nil
	},
}

func init() {
	listDomainsCmd.Flags().IntVar(&listDomainsLimit, "limit", 20, "Maximum domains to show")
	rootCmd.AddCommand(listDomainsCmd)
}
