package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/louca1221/price-tracker/internal/model"
	"github.com/louca1221/price-tracker/internal/scheduler"
)

func newDaemonCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run on the configured cron schedule and answer Telegram commands.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			log := a.logger

			sched := scheduler.NewScheduler(ctx, a.runner, log)
			sched.OnRunDone(func(res model.RunResult) {
				log.Info().Str("run_id", res.RunID).Msg(res.Summary())
			})
			if err := sched.Register(a.cfg.Schedule.Cron); err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			sched.Start()
			defer sched.Stop()

			go a.notifier.StartPolling(ctx, sched.HandleCommand)

			if os.Getenv("RUN_ON_START") == "true" {
				log.Info().Msg("RUN_ON_START enabled, running now")
				go sched.RunNow()
			}

			log.Info().Msg("tracker is running, press Ctrl+C to stop")
			<-ctx.Done()
			log.Info().Msg("shutdown signal received, stopping")
			return nil
		},
	}
}
