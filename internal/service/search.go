package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
)

// Failure stages recorded in search results.
const (
	StageFetch   = "fetch"
	StageSelect  = "select"
	StagePersist = "persist"
)

// DefaultExtractScript is evaluated in the page when a target carries no script of its own.
const DefaultExtractScript = `(() => ({
  title: document.title,
  url: location.href,
  text: document.body ? document.body.innerText.slice(0, 4000) : ""
}))()`

const (
	// Fetching owns this share of job progress; persisting owns the rest.
	fetchProgressShare = 80
	resultKeyFailed    = "failed"
	resultKeyPersisted = "persisted"
)

// SearchWorkflowOptions groups dependencies for SearchWorkflow.
type SearchWorkflowOptions struct {
	Jobs     *JobService        // Required: progress updates
	Sessions *SessionManager    // Required: one browser session per target fetch
	Batch    *BatchCoordinator  // Required: fan-out of fetches and writes
	Store    core.DocumentStore // Optional: persists fetched records
	CacheTTL time.Duration      // Optional: fetch cache TTL; 0 uses the cache default
	Logger   *slog.Logger       // Optional: structured logger
}

// SearchWorkflow handles the search job types. Each target is fetched in its own session
// through the executor and result cache; successful records are then persisted to the
// document store in a second batch.
type SearchWorkflow struct {
	jobs     *JobService
	sessions *SessionManager
	batch    *BatchCoordinator
	store    core.DocumentStore
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewSearchWorkflow constructs a SearchWorkflow.
func NewSearchWorkflow(opts SearchWorkflowOptions) (*SearchWorkflow, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("SessionManager is required")
	}
	if opts.Batch == nil {
		return nil, errors.New("BatchCoordinator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchWorkflow{
		jobs:     opts.Jobs,
		sessions: opts.Sessions,
		batch:    opts.Batch,
		store:    opts.Store,
		cacheTTL: opts.CacheTTL,
		logger:   logger.With("component", "search_workflow"),
	}, nil
}

// JobTypes lists the job types Handle accepts.
func (w *SearchWorkflow) JobTypes() []model.JobType {
	return model.AllJobTypes()
}

// Handle runs the search described by the job payload and returns the result to complete
// the job with: one array of records per collection, the failed targets, and the number
// of records persisted. A job whose every target failed returns an error so it can be
// retried; the partial result is stored through a progress update first.
func (w *SearchWorkflow) Handle(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var payload model.SearchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "decode search payload")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if expr := strings.TrimSpace(payload.Select); expr != "" {
		if _, err := jmespath.Compile(expr); err != nil {
			return nil, apperrors.ValidationField("select", fmt.Sprintf("invalid select expression: %v", err))
		}
	}

	log := w.logger.With("job_id", job.ID, "type", job.Type)
	log.InfoContext(ctx, "search started", "destination", payload.Destination, "targets", len(payload.Targets))

	records, failures := w.fetchAll(ctx, job, &payload)
	persisted, persistFailures := w.persistAll(ctx, job, payload.Targets, records)
	failures = append(failures, persistFailures...)

	result, err := buildSearchResult(job.Type, payload.Targets, records, failures, persisted)
	if err != nil {
		return nil, err
	}

	if len(payload.Targets) > 0 && len(failures) > 0 && countRecords(records) == 0 {
		if _, perr := w.jobs.UpdateProgress(ctx, job.ID, model.ProgressUpdate{Data: result}); perr != nil {
			log.WarnContext(ctx, "store partial search result", "error", perr)
		}
		return nil, fmt.Errorf("all %d targets failed: %w", len(payload.Targets), failures[0].cause)
	}

	log.InfoContext(ctx, "search finished",
		"records", countRecords(records),
		"failed", len(failures),
		"persisted", persisted,
	)
	return result, nil
}

// searchFailure keeps the underlying error next to its reported form.
type searchFailure struct {
	model.SearchFailure
	cause error
}

func (w *SearchWorkflow) fetchAll(
	ctx context.Context,
	job *model.Job,
	payload *model.SearchPayload,
) ([]*model.SearchRecord, []searchFailure) {
	targets := payload.Targets
	if len(targets) == 0 {
		return nil, nil
	}

	progress := w.progressReporter(ctx, job.ID, len(targets), 0, fetchProgressShare)
	items := make([]BatchItem[json.RawMessage], len(targets))
	for i, target := range targets {
		items[i] = BatchItem[json.RawMessage]{
			Name: string(job.Type) + ".fetch",
			Op: func(ctx context.Context) (json.RawMessage, error) {
				return w.fetchTarget(ctx, target)
			},
			Opts:   []CallOption{WithCache(fetchCacheParams(payload, target), w.ttl(payload))},
			OnDone: progress,
		}
	}

	results, _ := RunBatch(ctx, w.batch, string(job.Type)+".targets", items, true)

	records := make([]*model.SearchRecord, len(targets))
	var failures []searchFailure
	for i, r := range results {
		target := targets[i]
		if r.Err != nil {
			failures = append(failures, w.failure(target.Name, StageFetch, r.Err))
			continue
		}
		data, err := project(payload.Select, r.Value)
		if err != nil {
			failures = append(failures, w.failure(target.Name, StageSelect, err))
			continue
		}
		records[i] = &model.SearchRecord{Name: target.Name, URL: target.URL, Data: data}
	}
	return records, failures
}

func (w *SearchWorkflow) fetchTarget(ctx context.Context, target model.SearchTarget) (json.RawMessage, error) {
	return WithSession(ctx, w.sessions, func(ctx context.Context, s core.Session) (json.RawMessage, error) {
		if err := s.Navigate(ctx, target.URL); err != nil {
			return nil, fmt.Errorf("navigate %s: %w", target.URL, err)
		}
		script := target.Script
		if strings.TrimSpace(script) == "" {
			script = DefaultExtractScript
		}
		out, err := s.Evaluate(ctx, script)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", target.Name, err)
		}
		return out, nil
	})
}

func (w *SearchWorkflow) persistAll(
	ctx context.Context,
	job *model.Job,
	targets []model.SearchTarget,
	records []*model.SearchRecord,
) (int, []searchFailure) {
	if w.store == nil {
		return 0, nil
	}

	var (
		items  []BatchItem[string]
		stored []*model.SearchRecord
	)
	for i, rec := range records {
		if rec == nil {
			continue
		}
		doc := core.Document{Collection: targets[i].Collection(job.Type), Data: rec.Data}
		items = append(items, BatchItem[string]{
			Name: "docstore.insert",
			Op: func(ctx context.Context) (string, error) {
				return w.store.Insert(ctx, doc)
			},
		})
		stored = append(stored, rec)
	}
	if len(items) == 0 {
		return 0, nil
	}

	progress := w.progressReporter(ctx, job.ID, len(items), fetchProgressShare, 100-fetchProgressShare)
	for i := range items {
		items[i].OnDone = progress
	}

	results, _ := RunBatch(ctx, w.batch, string(job.Type)+".persist", items, true)

	persisted := 0
	var failures []searchFailure
	for i, r := range results {
		if r.Err != nil {
			failures = append(failures, w.failure(stored[i].Name, StagePersist, r.Err))
			continue
		}
		stored[i].DocumentID = r.Value
		persisted++
	}
	return persisted, failures
}

// progressReporter returns a batch OnDone hook, called once per finished item. It moves
// job progress from base toward base+share and never past it.
func (w *SearchWorkflow) progressReporter(ctx context.Context, jobID string, total, base, share int) func(error) {
	var (
		mu   sync.Mutex
		done int
	)
	return func(error) {
		mu.Lock()
		defer mu.Unlock()
		done = min(done+1, total)
		pct := base + done*share/total
		if _, err := w.jobs.UpdateProgress(ctx, jobID, model.ProgressUpdate{Percent: &pct}); err != nil {
			w.logger.WarnContext(ctx, "search progress update failed", "job_id", jobID, "error", err)
		}
	}
}

func (w *SearchWorkflow) failure(name, stage string, err error) searchFailure {
	return searchFailure{
		SearchFailure: model.SearchFailure{
			Name:  name,
			Error: err.Error(),
			Class: string(w.batch.Executor().classifier.Classify(err)),
			Stage: stage,
		},
		cause: err,
	}
}

func (w *SearchWorkflow) ttl(p *model.SearchPayload) time.Duration {
	if p.CacheTTLSeconds > 0 {
		return time.Duration(p.CacheTTLSeconds) * time.Second
	}
	return w.cacheTTL
}

// fetchCacheParams identifies one target fetch. Select is applied after caching and is
// left out so different projections share the fetched page.
func fetchCacheParams(p *model.SearchPayload, t model.SearchTarget) map[string]any {
	return map[string]any{
		"url":         t.URL,
		"script":      t.Script,
		"destination": p.Destination,
		"check_in":    p.CheckIn,
		"check_out":   p.CheckOut,
		"guests":      p.Guests,
	}
}

// project applies a JMESPath expression to a fetched record.
func project(expr string, raw json.RawMessage) (json.RawMessage, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return raw, nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "decode extracted record")
	}
	out, err := jmespath.Search(expr, data)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "apply select expression")
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "encode selected record")
	}
	return b, nil
}

func buildSearchResult(
	jobType model.JobType,
	targets []model.SearchTarget,
	records []*model.SearchRecord,
	failures []searchFailure,
	persisted int,
) (json.RawMessage, error) {
	out := map[string]any{
		model.CollectionFor(jobType): []*model.SearchRecord{},
	}
	for i, rec := range records {
		if rec == nil {
			continue
		}
		key := targets[i].Collection(jobType)
		list, _ := out[key].([]*model.SearchRecord)
		out[key] = append(list, rec)
	}

	failed := make([]model.SearchFailure, 0, len(failures))
	for _, f := range failures {
		failed = append(failed, f.SearchFailure)
	}
	out[resultKeyFailed] = failed
	out[resultKeyPersisted] = persisted

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode search result: %w", err)
	}
	return b, nil
}

func countRecords(records []*model.SearchRecord) int {
	n := 0
	for _, r := range records {
		if r != nil {
			n++
		}
	}
	return n
}
