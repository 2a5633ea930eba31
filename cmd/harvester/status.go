package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/harvester/pkg/progress"
	"github.com/Sternrassler/harvester/pkg/segment"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newStatusCommand(a *app) *cobra.Command {
	var clearState bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show segments on disk and the last published pass state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var store *progress.Store
			if a.cfg.Redis.Addr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr, DB: a.cfg.Redis.DB})
				defer rdb.Close()
				store = progress.NewStore(rdb, progress.DefaultTTL)
			}
			if clearState {
				return a.clearStatus(cmd.Context(), cmd.OutOrStdout(), store)
			}
			return a.status(cmd.Context(), cmd.OutOrStdout(), store)
		},
	}
	cmd.Flags().BoolVar(&clearState, "clear", false, "delete the published pass state instead of showing it")
	return cmd
}

func (a *app) clearStatus(ctx context.Context, out io.Writer, store *progress.Store) error {
	if store == nil {
		return errors.New("no redis configured, nothing to clear")
	}
	key := progressKey(a.cfg)
	if err := store.Delete(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(out, "cleared %s\n", key)
	return nil
}

func (a *app) status(ctx context.Context, out io.Writer, store *progress.Store) error {
	infos, err := layout(a.cfg).List()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tFIRST ID\tLAST ID\tPATH")
	for _, info := range infos {
		b, err := segment.ReadBounds(info.Path, a.cfg.Source.IDField)
		if err != nil {
			fmt.Fprintf(tw, "%d\t-\t-\t%s (%v)\n", info.Number, info.Path, err)
			continue
		}
		if b.Empty {
			fmt.Fprintf(tw, "%d\t-\t-\t%s\n", info.Number, info.Path)
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", info.Number, b.FirstID, b.LastID, info.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "no segments")
	}

	if store == nil {
		return nil
	}
	entry, err := store.Get(ctx, progressKey(a.cfg))
	if errors.Is(err, progress.ErrNotFound) {
		fmt.Fprintln(out, "\nno published pass state")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nstate: %s (round %d, %d rows, last id %d, updated %s ago)\n",
		entry.State, entry.Round, entry.Rows, entry.LastID, entry.Age(time.Now()).Round(time.Second))
	if entry.Error != "" {
		fmt.Fprintf(out, "error: %s\n", entry.Error)
	}
	if ttl, err := store.TTL(ctx, progressKey(a.cfg)); err == nil {
		fmt.Fprintf(out, "expires in %s\n", ttl.Round(time.Second))
	}
	return nil
}
