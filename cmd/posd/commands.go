// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mobiletoly/go-possync/internal/device"
	"github.com/mobiletoly/go-possync/maintenance"
	"github.com/mobiletoly/go-possync/posmodel"
	"github.com/mobiletoly/go-possync/posstore"
	"github.com/mobiletoly/go-possync/possync"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine and background tasks until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := device.Open(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer d.Close()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return d.Engine.Run(gctx)
			})
			if a.cfg.Maintenance.Interval > 0 {
				runner := device.Maintenance(a.cfg, uploader(a, d), a.logger)
				g.Go(func() error {
					return runner.Loop(gctx, a.cfg.Maintenance.Interval)
				})
			}
			return g.Wait()
		},
	}
}

func newPushCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Deliver the outbound queue once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := device.Open(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer d.Close()

			res, err := d.Engine.DrainOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, dropped %d, failed %d, deferred %d\n",
				res.Delivered, res.Dropped, res.Failed, res.Deferred)
			return nil
		},
	}
}

func newPullCommand(a *app) *cobra.Command {
	var kinds []string
	var trigger string
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull remote changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			selected, err := parseKinds(kinds)
			if err != nil {
				return err
			}
			d, err := device.Open(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer d.Close()

			res, err := d.Engine.PullOnce(cmd.Context(), possync.Trigger(trigger), selected)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case res.Offline:
				fmt.Fprintln(out, "offline, pull skipped")
				return nil
			case res.Throttled:
				fmt.Fprintln(out, "pull already scheduled, try again later")
				return nil
			}
			writePullResult(out, res)
			if failed := res.Failed(); len(failed) > 0 {
				return fmt.Errorf("pull partially failed: %v", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "Entity kinds to pull (default: all)")
	cmd.Flags().StringVar(&trigger, "trigger", string(possync.TriggerManual), "Pull trigger (manual|timer|notification|startup)")
	return cmd
}

func parseKinds(names []string) ([]posmodel.Kind, error) {
	var kinds []posmodel.Kind
	for _, n := range names {
		k, err := posmodel.ParseKind(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		if !k.Synced() {
			return nil, fmt.Errorf("kind %q is not synchronized", k)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func writePullResult(w io.Writer, res *possync.PullResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tFULL\tFETCHED\tAPPLIED\tSKIPPED\tDELETED\tCURSOR\tERROR")
	for _, e := range res.Entities {
		errText := ""
		if e.Err != nil {
			errText = e.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%d\t%d\t%s\n",
			e.Kind, e.Full, e.Fetched, e.Applied, e.Skipped, e.Deleted, e.Cursor, errText)
	}
	_ = tw.Flush()
}

func newMaintenanceCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Run background tasks once (for OS schedulers)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := device.Open(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			up := uploader(a, d)
			if err := d.Close(); err != nil {
				return err
			}

			ran, err := device.Maintenance(a.cfg, up, a.logger).RunOnce(cmd.Context())
			if !ran && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "maintenance already running, skipped")
			}
			return err
		},
	}
}

// uploader returns the backup target, or nil when no backend is configured.
func uploader(a *app, d *device.Device) maintenance.BackupUploader {
	if a.cfg.Backend.URL == "" {
		return nil
	}
	return d.Client
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and list the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := posstore.Open(a.cfg.Store.Path, posstore.WithLogger(a.logger))
			if err != nil {
				return err
			}
			defer store.Close()

			applied, err := store.Migrate(ctx, posstore.Migrations())
			if err != nil {
				return err
			}
			ledger, err := store.AppliedMigrations(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "applied %d migration(s)\n", len(applied))
			for _, m := range ledger {
				fmt.Fprintf(out, "  %s  %s\n", m.AppliedAt.Format(time.RFC3339), m.Name)
			}
			return nil
		},
	}
}

func newResyncCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Wipe synchronized data and force a full pull (logout)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := device.Open(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Gate.TriggerResync(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "local data wiped, next pull is a full sync")
			return nil
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := device.OpenSession(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			version, _, err := posstore.NewGatekeeper(s.Store, s.State, a.cfg.AllowList).CurrentVersion(ctx)
			if err != nil {
				return err
			}
			initialDone, err := s.State.InitialSyncDone()
			if err != nil {
				return err
			}
			lastBackup, err := s.State.LastBackup()
			if err != nil {
				return err
			}
			cursors, err := s.State.Cursors()
			if err != nil {
				return err
			}
			entries, err := s.Store.Repos().Queue.List(ctx, "")
			if err != nil {
				return err
			}
			stats, err := s.Store.TableStats(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "schema version:   %s (required %s)\n", orNone(version), a.cfg.SchemaVersion)
			fmt.Fprintf(out, "initial sync:     %s\n", map[bool]string{true: "done", false: "pending"}[initialDone])
			fmt.Fprintf(out, "last backup:      %s\n", formatTime(lastBackup))
			fmt.Fprintf(out, "queued mutations: %d\n", len(entries))

			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tROWS\tCURSOR\tQUEUED")
			queued := make(map[string]int)
			for _, e := range entries {
				queued[string(e.Kind)]++
			}
			tables := make([]string, 0, len(stats))
			for t := range stats {
				tables = append(tables, t)
			}
			sort.Strings(tables)
			for _, t := range tables {
				cursor := "-"
				if c, ok := cursors[posmodel.Kind(t)]; ok {
					cursor = fmt.Sprint(c)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", t, stats[t], cursor, queued[t])
			}
			return tw.Flush()
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
