package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/david/grant-tracker/internal/models"
)

const DefaultSourceTimeout = 5 * time.Minute

// Config tunes a Pipeline. Zero values fall back to the defaults.
type Config struct {
	SourceTimeout  time.Duration
	StaleWindow    time.Duration
	MaxConcurrency int
	Archive        RawArchive
}

// Pipeline drives one extraction run: every source URL goes through the
// extractor, the response parser, normalization and the store, and the
// run record tracks the aggregate outcome.
type Pipeline struct {
	Extractor Extractor
	Store     GrantStore
	Archive   RawArchive

	SourceTimeout  time.Duration
	StaleWindow    time.Duration
	MaxConcurrency int

	Now func() time.Time
}

var requestValidator = newValidator()

func NewPipeline(extractor Extractor, store GrantStore, cfg Config) *Pipeline {
	p := &Pipeline{
		Extractor:      extractor,
		Store:          store,
		Archive:        cfg.Archive,
		SourceTimeout:  cfg.SourceTimeout,
		StaleWindow:    cfg.StaleWindow,
		MaxConcurrency: cfg.MaxConcurrency,
		Now:            time.Now,
	}
	if p.SourceTimeout <= 0 {
		p.SourceTimeout = DefaultSourceTimeout
	}
	if p.StaleWindow <= 0 {
		p.StaleWindow = DefaultStaleWindow
	}
	return p
}

// Run processes every source URL in req and returns the aggregate outcome.
// Only an *InvalidInputError or a *ConfigurationError is returned as an
// error; every per-source failure ends up in RunOutcome.Errors.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunOutcome, error) {
	req, err := p.prepare(req)
	if err != nil {
		return nil, err
	}

	log := runLogger(req)
	var run *models.AgentRun
	if req.OrganizationID == "" {
		log.Info("no organization supplied, running in preview mode")
	} else if run, err = p.openRun(ctx, req); err != nil {
		log.Warn("failed to create run record, continuing without one", zap.Error(err))
	}

	return p.execute(ctx, req, run), nil
}

// PendingRun is a run whose record exists but whose sources have not been
// processed yet.
type PendingRun struct {
	p   *Pipeline
	req RunRequest
	run *models.AgentRun
}

// Start validates req and writes its run record without processing any
// source. A run that cannot be recorded is refused with an error wrapping
// ErrRunNotRecorded, so the id handed back is always pollable.
func (p *Pipeline) Start(ctx context.Context, req RunRequest) (*PendingRun, error) {
	req, err := p.prepare(req)
	if err != nil {
		return nil, err
	}
	if req.OrganizationID == "" {
		return nil, &InvalidInputError{Message: "organization_id is required for async runs"}
	}

	run, err := p.openRun(ctx, req)
	if err != nil {
		runLogger(req).Error("failed to create run record", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrRunNotRecorded, err)
	}
	return &PendingRun{p: p, req: req, run: run}, nil
}

func (r *PendingRun) ID() string { return r.run.ID }

// Execute processes the sources and finishes the run record.
func (r *PendingRun) Execute(ctx context.Context) *RunOutcome {
	return r.p.execute(ctx, r.req, r.run)
}

// prepare rejects what Run would fail on before touching any source and
// fills in the request defaults.
func (p *Pipeline) prepare(req RunRequest) (RunRequest, error) {
	if err := p.validateRequest(req); err != nil {
		return req, err
	}
	if err := p.ready(); err != nil {
		return req, err
	}
	if req.RunType == "" {
		req.RunType = models.RunTypeManual
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	return req, nil
}

func runLogger(req RunRequest) *zap.Logger {
	return zap.L().With(
		zap.String("run_id", req.RunID),
		zap.String("organization_id", req.OrganizationID),
		zap.String("run_type", string(req.RunType)),
	)
}

func (p *Pipeline) openRun(ctx context.Context, req RunRequest) (*models.AgentRun, error) {
	run := &models.AgentRun{
		ID:             req.RunID,
		OrganizationID: req.OrganizationID,
		RunType:        req.RunType,
		SourcesCount:   len(req.SourceURLs),
		Status:         models.RunStatusRunning,
		Errors:         []string{},
		StartedAt:      p.now(),
	}
	if err := p.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// execute runs the source loop for a prepared request. run is nil when no
// record is kept.
func (p *Pipeline) execute(ctx context.Context, req RunRequest, run *models.AgentRun) *RunOutcome {
	log := runLogger(req)
	persist := req.OrganizationID != ""

	log.Info("run started", zap.Int("sources", len(req.SourceURLs)))
	results := p.processSources(ctx, req, persist)

	outcome := &RunOutcome{
		Success: true,
		Grants:  []models.GrantRecord{},
		Errors:  []string{},
	}
	sources := make([]models.SourceOutcome, 0, len(results))
	for _, r := range results {
		outcome.Grants = append(outcome.Grants, r.grants...)
		outcome.Errors = append(outcome.Errors, r.errors...)
		sources = append(sources, models.SourceOutcome{
			SourceURL:  r.url,
			Grants:     len(r.grants),
			Errors:     len(r.errors),
			Strategy:   r.strategy,
			ArchiveKey: r.archive,
		})
	}
	outcome.GrantsFound = len(outcome.Grants)
	outcome.Status = ClassifyRun(len(outcome.Errors), outcome.GrantsFound)

	// The run record must leave "running" even if the caller went away.
	bg := context.WithoutCancel(ctx)

	if persist {
		cutoff := StaleCutoff(p.now(), p.StaleWindow)
		n, err := p.Store.MarkStale(bg, req.OrganizationID, cutoff)
		if err != nil {
			log.Warn("stale sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("flagged stale grants", zap.Int64("count", n), zap.Time("cutoff", cutoff))
		}
	}

	if run != nil {
		finished := p.now()
		run.Status = outcome.Status
		run.GrantsFound = outcome.GrantsFound
		run.Errors = outcome.Errors
		run.Sources = sources
		run.FinishedAt = &finished
		if err := p.Store.FinishRun(bg, run); err != nil {
			log.Error("failed to finish run record", zap.Error(err))
		}
		id := run.ID
		outcome.RunID = &id
	}

	log.Info("run finished",
		zap.String("status", string(outcome.Status)),
		zap.Int("grants_found", outcome.GrantsFound),
		zap.Int("errors", len(outcome.Errors)),
	)
	return outcome
}

// processSources returns one result per URL in input order. With
// MaxConcurrency above one, sources run in parallel but are still
// collected by index so aggregation does not depend on completion order.
func (p *Pipeline) processSources(ctx context.Context, req RunRequest, persist bool) []sourceResult {
	results := make([]sourceResult, len(req.SourceURLs))

	if p.MaxConcurrency <= 1 {
		for i, u := range req.SourceURLs {
			results[i] = p.processSource(ctx, req, u, persist)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(p.MaxConcurrency)
	for i, u := range req.SourceURLs {
		g.Go(func() error {
			results[i] = p.processSource(ctx, req, u, persist)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) processSource(ctx context.Context, req RunRequest, sourceURL string, persist bool) (res sourceResult) {
	res = sourceResult{url: sourceURL, grants: []models.GrantRecord{}}
	log := zap.L().With(zap.String("run_id", req.RunID), zap.String("source_url", sourceURL))

	defer func() {
		if r := recover(); r != nil {
			log.Error("source processing panicked", zap.Any("panic", r))
			res.errors = append(res.errors, sourceError(sourceURL, fmt.Sprintf("internal error: %v", r)))
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, p.SourceTimeout)
	payload, err := p.Extractor.Extract(sctx, sourceURL)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("extraction timed out after %s", p.SourceTimeout)
		}
		log.Warn("extraction failed", zap.Error(err))
		res.errors = append(res.errors, sourceError(sourceURL, err.Error()))
		return res
	}

	if p.Archive != nil {
		key, err := p.Archive.Put(ctx, req.RunID, sourceURL, payload)
		if err != nil {
			log.Warn("failed to archive raw payload", zap.Error(err))
		} else {
			res.archive = key
		}
	}

	parsed := ParseResponse(payload)
	res.strategy = parsed.Strategy
	for _, e := range parsed.Errors {
		res.errors = append(res.errors, sourceError(sourceURL, e))
	}

	now := p.now()
	taken := make(map[string]string, len(parsed.Grants))
	for _, raw := range parsed.Grants {
		g := NormalizeGrant(raw)
		ResolveIdentity(&g, req.OrganizationID, sourceURL)
		if owner, ok := claimIdentity(&g, taken); !ok {
			log.Warn("duplicate grant identity", zap.String("grant_title", g.GrantTitle), zap.String("key", g.SourceURL))
			res.errors = append(res.errors,
				sourceError(sourceURL, fmt.Sprintf("Skipped %q: %s already identifies %q", g.GrantTitle, g.SourceURL, owner)))
			continue
		}
		StampObservation(&g, now)

		if persist {
			if err := p.Store.UpsertGrant(ctx, &g); err != nil {
				log.Warn("upsert failed", zap.String("grant_title", g.GrantTitle), zap.Error(err))
				res.errors = append(res.errors,
					sourceError(sourceURL, fmt.Sprintf("Upsert failed for %q: %s", g.GrantTitle, err.Error())))
			}
		}
		res.grants = append(res.grants, g)
	}

	log.Info("source processed",
		zap.Int("grants", len(res.grants)),
		zap.Int("errors", len(res.errors)),
		zap.String("parse_strategy", res.strategy),
	)
	return res
}

func sourceError(sourceURL, msg string) string {
	return fmt.Sprintf("[%s] %s", sourceURL, msg)
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

func (p *Pipeline) ready() error {
	if p.Extractor == nil {
		return &ConfigurationError{Message: "extraction client is not configured"}
	}
	if err := p.Extractor.Ready(); err != nil {
		return &ConfigurationError{Message: err.Error()}
	}
	if p.Store == nil {
		return &ConfigurationError{Message: "grant store is not configured"}
	}
	return nil
}

func (p *Pipeline) validateRequest(req RunRequest) error {
	if len(req.SourceURLs) == 0 {
		return &InvalidInputError{Message: "source_urls[] is required"}
	}

	err := requestValidator.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &InvalidInputError{Message: err.Error(), Err: err}
	}
	return &InvalidInputError{Message: describeFieldError(verrs[0]), Err: err}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "min":
		if fe.Field() == "source_urls" {
			return "source_urls[] is required"
		}
		return fmt.Sprintf("%s is required", fe.Field())
	case "url":
		return fmt.Sprintf("%s is not a valid URL: %v", fe.Field(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", fe.Field(), fe.Param(), fe.Value())
	case "uuid":
		return fmt.Sprintf("%s must be a UUID", fe.Field())
	default:
		return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
	}
}
