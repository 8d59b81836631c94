package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/indexsync/internal/config"
	"github.com/alfredjeanlab/indexsync/internal/indexwork"
	"github.com/alfredjeanlab/indexsync/internal/massindex"
	"github.com/alfredjeanlab/indexsync/internal/ui"
)

var massindexCmd = &cobra.Command{
	Use:   "massindex <file>",
	Short: "Reindex every entity in a JSON lines file, bypassing the outbox",
	Long: `Runs a mass indexing job in this process. The job registers itself as a
mass_indexer agent in the tenant's database and heartbeats while it runs, so
"indexsync agents" shows it and an abandoned job expires like any agent.`,
	GroupID: "indexing",
	Args:    cobra.ExactArgs(1),
	// Override PersistentPreRunE so we don't create an API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		inMemory, _ := cmd.Flags().GetBool("memory")
		interval, _ := cmd.Flags().GetDuration("progress")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if p, _ := cmd.Flags().GetInt("partitions"); p > 0 {
			cfg.MassIndexPartitions = p
		}
		if b, _ := cmd.Flags().GetInt("batch-size"); b > 0 {
			cfg.MassIndexBatchSize = b
		}

		works, err := readWorks(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runMassIndex(ctx, cfg, tenantID, works, inMemory, interval)
	},
}

func init() {
	massindexCmd.Flags().Bool("memory", false, "register the job in a process-local store (dry run)")
	massindexCmd.Flags().Int("partitions", 0, "ranges indexed concurrently (default from config)")
	massindexCmd.Flags().Int("batch-size", 0, "entities loaded per batch (default from config)")
	massindexCmd.Flags().Duration("progress", time.Second, "progress report interval")
}

func runMassIndex(ctx context.Context, cfg *config.Config, tenant string, works []indexwork.Work, inMemory bool, interval time.Duration) error {
	logger := newLogger()

	t, ok := findTenant(cfg, tenant)
	if !ok {
		return fmt.Errorf("unknown tenant %q", tenant)
	}
	s, err := openStore(t, inMemory)
	if err != nil {
		return err
	}
	defer s.Close()

	upstream, conn, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer upstream.Close()

	backend, err := newBackend(ctx, cfg, conn, logger)
	if err != nil {
		return fmt.Errorf("index backend: %w", err)
	}
	defer backend.Close()

	job, err := massindex.NewJob(s, &indexwork.SliceSource{Works: works}, &indexwork.Applier{Backend: backend}, massindex.Options{
		Tenant:          t.ID,
		Name:            cfg.AgentName,
		PulseInterval:   cfg.PulseInterval,
		PulseExpiration: cfg.PulseExpiration,
		Partitions:      cfg.MassIndexPartitions,
		BatchSize:       cfg.MassIndexBatchSize,
		Publisher:       upstream,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	report := func(p massindex.Progress) { printProgress(p) }
	var bar *progressbar.ProgressBar
	if !jsonOutput && ui.ShouldUseColor() {
		bar = ui.NewProgressBar(os.Stderr, int64(len(works)), job.Reference())
		report = func(p massindex.Progress) { _ = bar.Set64(p.Indexed + p.Failed) }
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				report(job.Progress())
			}
		}
	}()
	err = job.Run(ctx)
	close(done)
	<-stopped
	if bar != nil {
		_ = bar.Finish()
	}

	p := job.Progress()
	if jsonOutput {
		if perr := printJSON(p); perr != nil {
			return perr
		}
	} else {
		printProgress(p)
	}
	return err
}

func printProgress(p massindex.Progress) {
	if jsonOutput {
		return
	}
	pct := 0.0
	if p.Total > 0 {
		pct = float64(p.Indexed+p.Failed) * 100 / float64(p.Total)
	}
	failed := ""
	if p.Failed > 0 {
		failed = ui.RenderError(fmt.Sprintf(" %d failed", p.Failed))
	}
	fmt.Fprintf(os.Stdout, "%s %s %d/%d (%.0f%%)%s\n", p.Reference, ui.RenderState(p.State), p.Indexed, p.Total, pct, failed)
}

func findTenant(cfg *config.Config, id string) (config.Tenant, bool) {
	for _, t := range cfg.TenantList() {
		if t.ID == id {
			return t, true
		}
	}
	return config.Tenant{}, false
}
