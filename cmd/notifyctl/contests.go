package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpmentor/notification-service/internal/codeforces"
	"github.com/cpmentor/notification-service/internal/producer"
)

func newContestsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contests",
		Short: "Codeforces contest announcements",
	}
	cmd.AddCommand(newContestsPollCmd(c))
	return cmd
}

func newContestsPollCmd(c *cli) *cobra.Command {
	var once bool
	var apiURL string

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Fetch upcoming contests and announce them",
		Long: `Fetches contest.list from the Codeforces API and publishes every
contest that has not started yet. Without --once it keeps polling every
CONTEST_POLL_INTERVAL until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				apiURL = c.cfg.CodeforcesAPIURL
			}
			pub, err := c.publisher()
			if err != nil {
				return err
			}
			poller := codeforces.NewPoller(
				codeforces.NewClient(apiURL),
				producer.NewContestEvents(pub, c.logger),
				c.cfg.ContestPollInterval,
				c.logger,
			)

			if !once {
				poller.Run(cmd.Context())
				return nil
			}
			n, err := poller.PollOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("poll failed after %d contests: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %d upcoming contests\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Poll a single time and exit")
	cmd.Flags().StringVar(&apiURL, "api-url", "", "Codeforces API base URL; defaults to CODEFORCES_API_URL")
	return cmd
}
