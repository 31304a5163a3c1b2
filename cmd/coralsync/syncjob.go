package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/coralsync/coralsync/internal/provider"
	"github.com/coralsync/coralsync/internal/storage"
)

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Manage recurring reconciliation jobs",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a sync job",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source", Usage: "source connection id", Required: true},
					&cli.StringFlag{Name: "dest", Usage: "destination connection id", Required: true},
					&cli.StringFlag{Name: "source-path", Value: "/"},
					&cli.StringFlag{Name: "dest-path", Value: "/"},
					&cli.StringFlag{Name: "mode", Usage: "one-way, two-way or mirror"},
					&cli.StringFlag{Name: "conflict", Usage: "skip, overwrite or rename"},
					&cli.StringFlag{Name: "schedule", Usage: "cron expression for recurring runs"},
					&cli.BoolFlag{Name: "enable", Usage: "enable the schedule immediately"},
					&cli.StringSliceFlag{Name: "include"},
					&cli.StringSliceFlag{Name: "exclude"},
					&cli.BoolFlag{Name: "delete-orphans", Usage: "delete destination-only files in one-way mode"},
					&cli.BoolFlag{Name: "preserve-times"},
					&cli.IntFlag{Name: "max-depth", Usage: "limit tree depth (0 = unlimited)"},
				},
				Action: createSync,
			},
			{
				Name:  "run",
				Usage: "Run one reconciliation pass now",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.BoolFlag{Name: "wait", Usage: "block until the run records an outcome", Value: true},
				},
				Action: runSync,
			},
			{
				Name:  "toggle",
				Usage: "Enable or disable a sync job's schedule",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.BoolFlag{Name: "enable", Usage: "enable instead of disable"},
				},
				Action: toggleSync,
			},
			{
				Name:   "list",
				Usage:  "List sync jobs",
				Action: listSyncs,
			},
			{
				Name:   "remove",
				Usage:  "Delete a sync job and its trigger",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: removeSync,
			},
		},
	}
}

func createSync(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	mode := c.String("mode")
	if mode == "" {
		mode = a.cfg.Sync.DefaultMode
	}
	policy := c.String("conflict")
	if policy == "" {
		policy = a.cfg.Sync.DefaultConflictPolicy
	}

	job := &storage.SyncJob{
		OwnerID:        c.String("owner"),
		SourceConnID:   c.String("source"),
		DestConnID:     c.String("dest"),
		SourcePath:     c.String("source-path"),
		DestPath:       c.String("dest-path"),
		Mode:           mode,
		ConflictPolicy: policy,
		Schedule:       c.String("schedule"),
		Enabled:        c.Bool("enable"),
		Options: storage.SyncOptions{
			DeleteOrphans:      c.Bool("delete-orphans"),
			PreserveTimestamps: c.Bool("preserve-times"),
			MaxDepth:           c.Int("max-depth"),
		},
	}
	if include, exclude := c.StringSlice("include"), c.StringSlice("exclude"); len(include) > 0 || len(exclude) > 0 {
		job.Filter = &provider.Filter{Include: include, Exclude: exclude}
	}

	if err := a.syncs.Create(c.Context, job); err != nil {
		return err
	}
	fmt.Printf("Sync job created: %s\n", job.ID)
	if job.NextRunAt != nil {
		fmt.Printf("Next run: %s\n", job.NextRunAt.Format(time.RFC3339))
	}
	return nil
}

func runSync(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	id := c.String("id")
	owner := c.String("owner")
	started := time.Now()
	if err := a.syncs.Start(c.Context, id, owner); err != nil {
		return err
	}
	fmt.Printf("Sync %s started\n", id)
	if !c.Bool("wait") {
		return nil
	}

	for {
		select {
		case <-c.Context.Done():
			return c.Context.Err()
		case <-time.After(300 * time.Millisecond):
		}
		job, err := a.syncs.Get(c.Context, id, owner)
		if err != nil {
			return err
		}
		if job.LastRunAt != nil && !job.LastRunAt.Before(started) {
			fmt.Printf("Outcome: %s\n", job.LastOutcome)
			if job.LastOutcome == storage.OutcomeFailed {
				return fmt.Errorf("sync run failed")
			}
			return nil
		}
	}
}

func toggleSync(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	enabled := c.Bool("enable")
	if err := a.syncs.Toggle(c.Context, c.String("id"), c.String("owner"), enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Sync %s %s\n", c.String("id"), state)
	return nil
}

func listSyncs(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	jobs, err := a.syncs.List(c.Context, storage.SyncJobFilter{OwnerID: c.String("owner")})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No sync jobs.")
		return nil
	}

	fmt.Printf("%-36s  %-8s  %-16s  %-8s  %-10s  %s\n",
		"ID", "MODE", "SCHEDULE", "ENABLED", "OUTCOME", "NEXT RUN")
	for _, job := range jobs {
		next := "-"
		if job.NextRunAt != nil {
			next = job.NextRunAt.Format(time.RFC3339)
		}
		outcome := job.LastOutcome
		if outcome == "" {
			outcome = "-"
		}
		schedule := job.Schedule
		if schedule == "" {
			schedule = "-"
		}
		fmt.Printf("%-36s  %-8s  %-16s  %-8t  %-10s  %s\n",
			job.ID, job.Mode, schedule, job.Enabled, outcome, next)
	}
	return nil
}

func removeSync(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.syncs.Delete(c.Context, c.String("id"), c.String("owner")); err != nil {
		return err
	}
	fmt.Printf("Sync %s removed\n", c.String("id"))
	return nil
}
