package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/store"
	"github.com/sweeney/nozzleflow/internal/telemetry"
)

func newProbeCmd(rf *rootFlags) *cobra.Command {
	var jobID string
	var demo bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Fetch one reading from the controller and print it",
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

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Controller.Timeout*2)
			defer cancel()

			kv, closeKV, err := openKV(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer closeKV()

			acc := settings.NewAccessor(kv)
			sensors := store.NewSensorStore(kv)
			s, err := acc.Get(ctx)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}

			var src telemetry.Source = telemetry.NewHTTPSource(acc, sensors, log.Named("controller"), telemetry.HTTPOptions{
				Timeout: cfg.Controller.Timeout,
			})
			if demo {
				src = telemetry.NewDemoSource(acc, sensors, time.Now().UnixNano())
			}
			snap, err := src.Fetch(ctx)
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}

			var job *logic.Job
			if jobID != "" {
				j, err := store.NewJobStore(kv, log).Job(ctx, jobID)
				if err != nil {
					return err
				}
				job = &j
			}
			return printProbe(cmd.OutOrStdout(), snap, job, s.NozzleSpacing)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "classify flows against this job's band")
	cmd.Flags().BoolVar(&demo, "demo", false, "read from the demo generator instead of the controller")
	return cmd
}

// printProbe writes the snapshot as a table. With a job, each flowmeter is
// classified against the job's band at the snapshot speed.
func printProbe(w io.Writer, snap logic.Snapshot, job *logic.Job, defaultSpacing float64) error {
	fmt.Fprintf(w, "speed: %.2f m/s\n", snap.Speed)
	fmt.Fprintf(w, "coordinates: %.6f, %.6f\n", snap.Coordinates.Latitude, snap.Coordinates.Longitude)

	var band logic.Band
	if job != nil {
		band = logic.JobBand(*job, snap.Speed, defaultSpacing)
		fmt.Fprintf(w, "job: %s target=%.2f min=%.2f max=%.2f L/min\n", job.Title, band.Target, band.Min, band.Max)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tTYPE\tFLOW\tPULSE AGE\tSTATE")
	for i, s := range snap.Sensors {
		state := "-"
		switch {
		case s.Ignored:
			state = "ignored"
		case job != nil && s.Kind == logic.SensorFlowmeter:
			state = logic.Classify(s.Flow(), band).String()
		}
		flow := "-"
		if s.Kind == logic.SensorFlowmeter {
			flow = fmt.Sprintf("%.2f", s.Flow())
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i, s.Name, s.Kind, flow, s.LastPulseAge, state)
	}
	return tw.Flush()
}
