package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/bootstrap"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/devseed"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/migrate"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/util"
)

type migrateOptions struct {
	Timeout time.Duration
	Status  bool
}

type createJobOptions struct {
	Type       model.JobType
	Payload    json.RawMessage
	Priority   int
	MaxRetries int
}

type jobIDOptions struct {
	ID   string
	JSON bool
}

type listJobsOptions struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

type cacheClearOptions struct {
	Yes bool
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{}
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration to wait for migrations to complete")
	fs.BoolVar(&opts.Status, "status", false, "List migrations and whether they are applied instead of running them")
	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}
	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func parseCreateJobFlags(args []string) (createJobOptions, error) {
	fs := flag.NewFlagSet("create-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		jobType string
		payload string
		opts    createJobOptions
	)
	fs.StringVar(&jobType, "type", "", "Job type (flight_search, hotel_search, restaurant_search, trip_plan)")
	fs.StringVar(&payload, "payload", "", "JSON payload, or @path to read it from a file")
	fs.IntVar(&opts.Priority, "priority", 0, "Priority from 0 to 100; higher runs first")
	fs.IntVar(&opts.MaxRetries, "max-retries", -1, "Retry budget; negative uses the service default")
	if err := fs.Parse(args); err != nil {
		return createJobOptions{}, err
	}

	if err := opts.Type.UnmarshalText([]byte(jobType)); err != nil {
		return createJobOptions{}, fmt.Errorf("--type: %w", err)
	}
	raw, err := readPayload(payload)
	if err != nil {
		return createJobOptions{}, err
	}
	opts.Payload = raw
	return opts, nil
}

func readPayload(v string) (json.RawMessage, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, errors.New("--payload is required")
	}
	if path, ok := strings.CutPrefix(v, "@"); ok {
		b, err := os.ReadFile(path) // #nosec G304 - operator supplied path
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		v = string(b)
	}
	if !json.Valid([]byte(v)) {
		return nil, errors.New("--payload must be valid JSON")
	}
	return json.RawMessage(v), nil
}

func parseJobIDFlags(name string, args []string) (jobIDOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts jobIDOptions
	fs.StringVar(&opts.ID, "id", "", "Job ID")
	fs.BoolVar(&opts.JSON, "json", false, "Print the job as JSON")
	if err := fs.Parse(args); err != nil {
		return jobIDOptions{}, err
	}
	if opts.ID == "" && fs.NArg() > 0 {
		opts.ID = fs.Arg(0)
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return jobIDOptions{}, errors.New("--id is required")
	}
	return opts, nil
}

func parseListJobsFlags(args []string) (listJobsOptions, error) {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listJobsOptions
	fs.StringVar(&opts.Status, "status", "", "Filter by status (pending, processing, completed, failed)")
	fs.StringVar(&opts.Type, "type", "", "Filter by job type")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum number of jobs to list")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of jobs to skip")
	if err := fs.Parse(args); err != nil {
		return listJobsOptions{}, err
	}
	if opts.Limit <= 0 || opts.Offset < 0 {
		return listJobsOptions{}, errors.New("--limit must be positive and --offset non-negative")
	}
	return opts, nil
}

func (o listJobsOptions) query() (*model.JobListOptions, error) {
	q := &model.JobListOptions{Limit: o.Limit, Offset: o.Offset}
	if o.Status != "" {
		status := model.JobStatus(strings.ToLower(strings.TrimSpace(o.Status)))
		if !status.Valid() {
			return nil, fmt.Errorf("--status: unknown status %q", o.Status)
		}
		q.Status = &status
	}
	if o.Type != "" {
		var t model.JobType
		if err := t.UnmarshalText([]byte(o.Type)); err != nil {
			return nil, fmt.Errorf("--type: %w", err)
		}
		q.Type = &t
	}
	return q, nil
}

func runCreateJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseCreateJobFlags(args)
	if err != nil {
		return err
	}
	req := &model.CreateJobRequest{Type: opts.Type, Payload: opts.Payload, Priority: opts.Priority}
	if opts.MaxRetries >= 0 {
		req.MaxRetries = &opts.MaxRetries
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		job, err := svcs.Jobs.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		return writef(cmdCtx.Out, "created %s job %s\n", job.Type, job.ID)
	})
}

func runJobStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobIDFlags("job-status", args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		job, err := svcs.Jobs.GetStatus(ctx, opts.ID)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		return printJob(cmdCtx.Out, job, opts.JSON)
	})
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	opts, err := parseListJobsFlags(args)
	if err != nil {
		return err
	}
	query, err := opts.query()
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		jobs, err := svcs.Jobs.List(ctx, query)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		return printJobTable(cmdCtx.Out, jobs)
	})
}

func runRetryJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobIDFlags("retry-job", args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		job, err := svcs.Jobs.Retry(ctx, opts.ID)
		if err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		return writef(cmdCtx.Out, "job %s re-queued (retry %d of %d)\n", job.ID, job.RetryCount, job.MaxRetries)
	})
}

func runJobStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("job-stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	typeFlag := fs.String("type", "", "Restrict counts to one job type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var jobType *model.JobType
	if *typeFlag != "" {
		var t model.JobType
		if err := t.UnmarshalText([]byte(*typeFlag)); err != nil {
			return fmt.Errorf("--type: %w", err)
		}
		jobType = &t
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		stats, err := svcs.Jobs.Stats(ctx, jobType)
		if err != nil {
			return fmt.Errorf("job stats: %w", err)
		}
		return printStats(cmdCtx.Out, stats)
	})
}

func runRunJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobIDFlags("run-job", args)
	if err != nil {
		return err
	}
	timeout := cmdCtx.Config.JobRunner.JobTimeout + time.Minute
	return withServices(cmdCtx, timeout, func(ctx context.Context, svcs *adminServices) error {
		runner, err := bootstrap.NewJobRunner(bootstrap.WorkerConfig{
			Services: svcs.ServiceContainer,
			Config:   cmdCtx.Config.JobRunner,
			Logger:   cmdCtx.Logger,
			Metrics:  svcs.Observability.Sink,
		})
		if err != nil {
			return err
		}
		job, err := runner.RunOne(ctx, opts.ID)
		if err != nil {
			return fmt.Errorf("run job: %w", err)
		}
		return printJob(cmdCtx.Out, job, opts.JSON)
	})
}

func runCacheClear(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("cache-clear", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var opts cacheClearOptions
	fs.BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	prompt := fmt.Sprintf("About to remove every %s cache entry under prefix %q.",
		cmdCtx.Config.Cache.Backend, cmdCtx.Config.Cache.KeyPrefix)
	if err := confirmAction(cmdCtx.In, cmdCtx.Out, opts.Yes, prompt); err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		removed, err := svcs.Cache.Clear(ctx)
		if err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		return writef(cmdCtx.Out, "removed %d cache entries\n", removed)
	})
}

func runSeedJobs(cmdCtx *commandContext, _ []string) error {
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		created, err := devseed.Run(ctx, svcs.Jobs, cmdCtx.Logger)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "created %d sample jobs\n", created)
	})
}

func printJob(w io.Writer, job *model.Job, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"ID", job.ID},
		{"Type", string(job.Type)},
		{"Status", string(job.Status)},
		{"Progress", fmt.Sprintf("%d%%", job.Progress)},
		{"Retries", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries)},
		{"Created", job.CreatedAt.Format(time.RFC3339)},
		{"Duration", util.FormatProcessingDuration(processingDuration(job))},
	}
	if job.Error != nil {
		rows = append(rows, [2]string{"Error", *job.Error})
	}
	if job.ErrorClass != nil {
		rows = append(rows, [2]string{"Error class", *job.ErrorClass})
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1]); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(job.Result) == 0 {
		return nil
	}
	if err := writeln(w, "Result:"); err != nil {
		return err
	}
	var pretty json.RawMessage = job.Result
	if b, err := json.MarshalIndent(job.Result, "", "  "); err == nil {
		pretty = b
	}
	return writef(w, "%s\n", pretty)
}

func printJobTable(w io.Writer, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return writeln(w, "no jobs found")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPROGRESS\tRETRIES\tDURATION"); err != nil {
		return err
	}
	for _, j := range jobs {
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d/%d\t%s\n",
			j.ID, j.Type, j.Status, j.Progress, j.RetryCount, j.MaxRetries,
			util.FormatProcessingDuration(processingDuration(j)),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printStats(w io.Writer, stats *model.JobStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range []struct {
		label string
		n     int
	}{
		{"pending", stats.Pending},
		{"processing", stats.Processing},
		{"completed", stats.Completed},
		{"failed", stats.Failed},
		{"total", stats.Total()},
	} {
		if _, err := fmt.Fprintf(tw, "%s\t%d\n", r.label, r.n); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printMigrations(w io.Writer, migrations []migrate.Migration) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED"); err != nil {
		return err
	}
	for _, m := range migrations {
		applied := "pending"
		if m.AppliedAt != nil {
			applied = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		if _, err := fmt.Fprintf(tw, "%03d\t%s\t%s\n", m.Version, m.Name, applied); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// processingDuration is the time between start and completion, or zero when either is unset.
func processingDuration(j *model.Job) time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
