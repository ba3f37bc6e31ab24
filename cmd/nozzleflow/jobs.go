package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/status"
	"github.com/sweeney/nozzleflow/internal/store"
)

func newJobsCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List stored jobs and their event counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rf)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			kv, closeKV, err := openKV(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer closeKV()

			jobs, err := store.NewJobStore(kv, log).Jobs(ctx)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		},
	}
}

func printJobs(w io.Writer, jobs []logic.Job) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "no jobs")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tEXPECTED\tTOLERANCE\tEVENTS\tONGOING\tUNVIEWED")
	for _, j := range jobs {
		sum := status.SummarizeJob(j)
		fmt.Fprintf(tw, "%s\t%s\t%.1f L/ha\t%.0f%%\t%d\t%d\t%d\n",
			j.ID, j.Title, j.ExpectedFlow, j.Tolerance*100, sum.Events, sum.Ongoing, sum.Unviewed)
	}
	return tw.Flush()
}
