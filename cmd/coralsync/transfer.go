package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/coralsync/coralsync/internal/provider"
	"github.com/coralsync/coralsync/internal/storage"
)

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Manage one-shot copy jobs",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a transfer job in pending status",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source", Usage: "source connection id", Required: true},
					&cli.StringFlag{Name: "dest", Usage: "destination connection id", Required: true},
					&cli.StringFlag{Name: "source-path", Value: "/"},
					&cli.StringFlag{Name: "dest-path", Value: "/"},
					&cli.StringSliceFlag{Name: "include", Usage: "glob pattern to include (repeatable)"},
					&cli.StringSliceFlag{Name: "exclude", Usage: "glob pattern to exclude (repeatable)"},
					&cli.BoolFlag{Name: "overwrite", Usage: "overwrite existing destination files"},
					&cli.BoolFlag{Name: "preserve-times", Usage: "carry source modification times"},
					&cli.BoolFlag{Name: "verify", Usage: "verify size and checksum after each file"},
				},
				Action: createTransfer,
			},
			{
				Name:  "start",
				Usage: "Start or resume a transfer job",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.BoolFlag{Name: "wait", Usage: "block and print progress until the job finishes"},
				},
				Action: startTransfer,
			},
			{
				Name:   "status",
				Usage:  "Show a transfer job's progress",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: transferStatus,
			},
			{
				Name:   "pause",
				Usage:  "Pause an active transfer between files",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: pauseTransfer,
			},
			{
				Name:   "cancel",
				Usage:  "Cancel an active transfer",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: cancelTransfer,
			},
		},
	}
}

func createTransfer(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	job := &storage.TransferJob{
		OwnerID:      c.String("owner"),
		SourceConnID: c.String("source"),
		DestConnID:   c.String("dest"),
		SourcePath:   c.String("source-path"),
		DestPath:     c.String("dest-path"),
		Options: storage.TransferOptions{
			Overwrite:          c.Bool("overwrite"),
			PreserveTimestamps: c.Bool("preserve-times"),
			VerifyIntegrity:    c.Bool("verify"),
		},
	}
	if include, exclude := c.StringSlice("include"), c.StringSlice("exclude"); len(include) > 0 || len(exclude) > 0 {
		job.Filter = &provider.Filter{Include: include, Exclude: exclude}
	}

	if err := a.transfers.Create(c.Context, job); err != nil {
		return err
	}
	fmt.Printf("Transfer job created: %s\n", job.ID)
	return nil
}

func startTransfer(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	id := c.String("id")
	owner := c.String("owner")
	if err := a.transfers.Start(c.Context, id, owner); err != nil {
		return err
	}
	fmt.Printf("Transfer %s started\n", id)
	if !c.Bool("wait") {
		return nil
	}

	for {
		p, err := a.transfers.Progress(c.Context, id, owner)
		if err != nil {
			return err
		}
		fmt.Printf("\r%-10s %3d%%  %d/%d files  %.0f B/s  ETA %ds   ",
			p.Status, p.Percent, p.FilesCompleted, p.FilesTotal, p.SpeedBps, p.ETASeconds)
		switch p.Status {
		case storage.StatusCompleted, storage.StatusFailed, storage.StatusCancelled, storage.StatusPaused:
			fmt.Println()
			if p.Status == storage.StatusFailed {
				job, gerr := a.transfers.Get(c.Context, id, owner)
				if gerr == nil && job.ErrorMessage != "" {
					return fmt.Errorf("transfer failed: %s", job.ErrorMessage)
				}
				return fmt.Errorf("transfer failed")
			}
			return nil
		}
		select {
		case <-c.Context.Done():
			return c.Context.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func transferStatus(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.transfers.Progress(c.Context, c.String("id"), c.String("owner"))
	if err != nil {
		return err
	}
	fmt.Printf("Status:       %s\n", p.Status)
	fmt.Printf("Progress:     %d%% (%d/%d files, %d failed)\n",
		p.Percent, p.FilesCompleted, p.FilesTotal, p.FilesFailed)
	fmt.Printf("Bytes:        %d/%d\n", p.BytesTransferred, p.BytesTotal)
	if p.SpeedBps > 0 {
		fmt.Printf("Speed:        %.0f B/s, ETA %ds\n", p.SpeedBps, p.ETASeconds)
	}
	return nil
}

func pauseTransfer(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()
	return a.transfers.Pause(c.String("id"), c.String("owner"))
}

func cancelTransfer(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()
	return a.transfers.Cancel(c.String("id"), c.String("owner"))
}
