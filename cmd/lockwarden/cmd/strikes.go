package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/lockwarden/internal/app"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/service"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
)

const timeLayout = "2006-01-02 15:04"

// dbPath overrides db_path from the configuration.
var dbPath string

var (
	strikesCmd = &cobra.Command{
		Use:   "strikes",
		Short: "Inspect and reset strike records",
	}

	strikesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List strike records, most recent first",
		Args:  cobra.NoArgs,
		RunE: withStrikes(func(ctx context.Context, w io.Writer, q *service.StrikeQuery, _ []string) error {
			recs, err := q.List(ctx)
			if err != nil {
				return err
			}
			printRecords(w, recs)
			return nil
		}),
	}

	strikesShowCmd = &cobra.Command{
		Use:   "show <card-uid>",
		Short: "Show the strike record of one card",
		Args:  cobra.ExactArgs(1),
		RunE: withStrikes(func(ctx context.Context, w io.Writer, q *service.StrikeQuery, args []string) error {
			rec, err := q.Get(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				_, _ = fmt.Fprintf(w, "no strikes for %s\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			printRecords(w, []store.StrikeRecord{rec})
			return nil
		}),
	}

	strikesStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print strike statistics",
		Args:  cobra.NoArgs,
		RunE: withStrikes(func(ctx context.Context, w io.Writer, q *service.StrikeQuery, _ []string) error {
			st, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(tw, "cards\t%d\n", st.Total)
			_, _ = fmt.Fprintf(tw, "strike 1\t%d\n", st.Strike1)
			_, _ = fmt.Fprintf(tw, "strike 2\t%d\n", st.Strike2)
			_, _ = fmt.Fprintf(tw, "strike 3+\t%d\n", st.Strike3Plus)
			_, _ = fmt.Fprintf(tw, "guest cards\t%d\n", st.Guest)
			_, _ = fmt.Fprintf(tw, "highest count\t%d\n", st.Highest)
			_, _ = fmt.Fprintf(tw, "last %d days\t%d\n", int(service.RecentWindow/(24*time.Hour)), st.Recent)
			return tw.Flush()
		}),
	}

	strikesResetCmd = &cobra.Command{
		Use:   "reset <card-uid>",
		Short: "Delete the strike record of one card",
		Args:  cobra.ExactArgs(1),
		RunE: withStrikes(func(ctx context.Context, w io.Writer, q *service.StrikeQuery, args []string) error {
			err := q.Reset(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				_, _ = fmt.Fprintf(w, "no strikes for %s\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "strikes for %s reset\n", args[0])
			return nil
		}),
	}
)

type strikesFunc func(ctx context.Context, w io.Writer, q *service.StrikeQuery, args []string) error

// withStrikes opens the strike database for the duration of fn.
func withStrikes(fn strikesFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path := dbPath
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.DBPath
		}

		q, closeFn, err := app.OpenStrikes(cmd.Context(), path)
		if err != nil {
			return err
		}
		defer closeFn()

		return fn(cmd.Context(), cmd.OutOrStdout(), q, args)
	}
}

func printRecords(w io.Writer, recs []store.StrikeRecord) {
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(w, "no strike records")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CARD\tSTRIKES\tFIRST\tLAST\tGUEST")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\n",
			r.CardUID, r.StrikeCount,
			r.FirstStrikeAt.Local().Format(timeLayout),
			r.LastStrikeAt.Local().Format(timeLayout),
			r.Guest)
	}
	_ = tw.Flush()
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	strikesCmd.PersistentFlags().StringVar(&dbPath, "db", "", "strike database path (default: db_path from the configuration)")
	strikesCmd.AddCommand(strikesListCmd, strikesShowCmd, strikesStatsCmd, strikesResetCmd)
}
