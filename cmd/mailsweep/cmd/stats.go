package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fameoflight/mailsweep/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats <email>",
	Short: "Show cache statistics for an account",
	Long: `Show statistics about an account's local message cache.

Examples:
  mailsweep stats you@gmail.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := cfg.DatabasePath(args[0])
		s, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer s.Close()

		stats, err := s.GetStats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		fmt.Printf("Cache: %s\n", dbPath)
		fmt.Printf("  Messages:    %d\n", stats.MessageCount)
		fmt.Printf("  Unread:      %d\n", stats.UnreadCount)
		fmt.Printf("  Attachments: %d\n", stats.AttachmentCount)
		fmt.Printf("  Size:        %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
