package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/taskhub/pkg/queue"
	"github.com/dmitrymomot/taskhub/svc/notify"
	"github.com/dmitrymomot/taskhub/svc/reminder"
	"github.com/dmitrymomot/taskhub/svc/workspace"
)

func newWorkerCmd() *cobra.Command {
	var envFiles []string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the queue workers and the periodic scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUntilSignal(cmd.Context(), func(ctx context.Context) error {
				cfg, err := loadConfig(envFiles)
				if err != nil {
					return err
				}
				a, err := newApp(ctx, cfg)
				if err != nil {
					return err
				}
				defer a.Close()

				g, ctx := errgroup.WithContext(ctx)
				if err := a.runWorkers(ctx, g); err != nil {
					return err
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "additional .env files to load")
	return cmd
}

// runWorkers starts one worker per queue family and the scheduler of the
// periodic invite sweep on g.
func (a *app) runWorkers(ctx context.Context, g *errgroup.Group) error {
	metrics := queue.NewMetrics(a.registry)
	newWorker := func(queues ...string) (*queue.Worker, error) {
		w, err := queue.NewWorker(a.queue,
			queue.WithConfig(a.cfg.Queue),
			queue.WithQueues(queues...),
			queue.WithWorkerLogger(a.log),
			queue.WithWorkerMetrics(metrics))
		if err != nil {
			return nil, err
		}
		w.RegisterHandlers(a.mailer.Handler())
		w.RegisterHandlers(a.reminders.Handlers()...)
		w.RegisterHandlers(a.workspace.Handlers()...)
		return w, nil
	}

	mail, err := newWorker(notify.Queue)
	if err != nil {
		return err
	}
	jobs, err := newWorker(reminder.QueueInviteExpiry, queue.DefaultQueueName)
	if err != nil {
		return err
	}

	scheduler, err := queue.NewScheduler(a.queue,
		queue.WithCheckInterval(a.cfg.Queue.SchedulerInterval),
		queue.WithSchedulerLogger(a.log))
	if err != nil {
		return err
	}
	if err := scheduler.AddTask(workspace.SweepTaskName, queue.HourlyAt(0)); err != nil {
		return err
	}

	g.Go(mail.Run(ctx))
	g.Go(jobs.Run(ctx))
	g.Go(scheduler.Run(ctx))
	return nil
}
