// Package service resolves a person to at most one existing CRM contact.
//
// A lookup searches private and business contacts with structured filters,
// drops disqualified records, and breaks ties first by the most recent linked
// case and then by the contact's own updated_at. When the structured search is
// unavailable it degrades to a sequence of free-text searches.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"time"

	"doublet/internal/crm/paginator"
	"doublet/internal/crm/transport"
	"doublet/internal/doublet/filter"
	"doublet/internal/doublet/metrics"
	"doublet/internal/doublet/models"
	"doublet/internal/doublet/qualifier"
	"doublet/internal/doublet/tracer"
	"doublet/internal/platform/logger"
	dErrors "doublet/pkg/domain-errors"
	"doublet/pkg/platform/circuit"
)

const (
	searchPath   = "/contacts/filter"
	freeTextPath = "/contacts"
)

func casesPath(accountID, contactID string) string {
	return fmt.Sprintf("/accounts/%s/contacts/%s/cases", url.PathEscape(accountID), url.PathEscape(contactID))
}

func freeTextSearchPath(text string) string {
	return freeTextPath + "?" + url.Values{"q": {text}}.Encode()
}

// Paginator streams CRM list endpoints as flat record sequences.
type Paginator interface {
	Get(ctx context.Context, path string) iter.Seq2[json.RawMessage, error]
	Post(ctx context.Context, path string, payload any) iter.Seq2[json.RawMessage, error]
}

// Service performs doublet lookups. It holds only read-only collaborators and
// is safe for concurrent use.
type Service struct {
	pages   Paginator
	schemas []filter.Schema
	policy  Policy
	breaker *circuit.Breaker
	metrics *metrics.Metrics
	tracer  tracer.Tracer
	logger  *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithBreaker sends lookups straight to the failsafe while b is open.
func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

func WithPolicy(p Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithSchemas replaces the searched categories. They are searched, and their
// results merged, in the given order.
func WithSchemas(schemas ...filter.Schema) Option {
	return func(s *Service) {
		s.schemas = schemas
	}
}

// New creates a Service searching private then business contacts.
func New(pages Paginator, opts ...Option) *Service {
	s := &Service{
		pages:   pages,
		schemas: []filter.Schema{filter.PrivateSchema, filter.BusinessSchema},
		policy:  DefaultPolicy(),
		tracer:  tracer.NewNoop(),
		logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Find returns the best existing contact for q, or nil when there is none.
// Contacts for which disqualify returns true are never considered; a nil
// disqualify keeps every contact.
//
// Errors carry a domain code: CodeValidation and CodeConfiguration are raised
// before any request is sent, CodeBackendUnavailable and CodeBackend report
// CRM failures with the *transport.BackendError still in the chain.
func (s *Service) Find(ctx context.Context, q models.Query, disqualify qualifier.Func) (contact *models.Contact, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, tracer.SpanFind,
		tracer.String(tracer.AttrEmailHash, tracer.HashPII(q.Email)),
		tracer.String(tracer.AttrNameHash, tracer.HashPII(q.FirstName+" "+q.LastName)),
	)
	defer func() {
		span.SetAttributes(tracer.Bool(tracer.AttrMatched, contact != nil))
		span.End(err)
		s.recordCheck(contact, err, time.Since(start))
	}()

	filters, err := s.buildFilters(q)
	if err != nil {
		return nil, err
	}
	if disqualify == nil {
		disqualify = qualifier.None
	}

	candidates, err := s.search(ctx, q, filters, disqualify)
	if err != nil {
		return nil, s.translate(ctx, err)
	}
	span.SetAttributes(tracer.Int(tracer.AttrQualified, len(candidates)))
	if s.metrics != nil {
		s.metrics.ObserveCandidates(len(candidates))
	}

	contact, err = s.resolve(ctx, candidates)
	if err != nil {
		return nil, s.translate(ctx, err)
	}
	return contact, nil
}

type categoryFilter struct {
	category filter.Category
	filter   filter.Filter
}

// buildFilters validates q and builds one filter per schema. Nothing here
// touches the network.
func (s *Service) buildFilters(q models.Query) ([]categoryFilter, error) {
	out := make([]categoryFilter, 0, len(s.schemas))
	for _, schema := range s.schemas {
		b, err := filter.New(schema, q)
		if err != nil {
			return nil, err
		}
		f, err := b.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, categoryFilter{category: b.Category(), filter: f})
	}
	return out, nil
}

// search runs the structured search and switches to the failsafe when it
// fails with a retryable status or the breaker is open.
func (s *Service) search(ctx context.Context, q models.Query, filters []categoryFilter, disqualify qualifier.Func) ([]models.Contact, error) {
	if s.breaker != nil && s.breaker.IsOpen() {
		s.logger.InfoContext(ctx, "crm search breaker open, using failsafe", "breaker", s.breaker.Name())
		candidates, err := s.failsafe(ctx, q, disqualify, 0)
		if err == nil {
			s.breaker.RecordSuccess()
		}
		return candidates, err
	}

	candidates, err := s.primary(ctx, filters, disqualify)
	if err == nil {
		if s.breaker != nil {
			s.breaker.RecordSuccess()
		}
		return candidates, nil
	}

	status, ok := transport.StatusCode(err)
	if !ok || !s.policy.retryable(status) {
		return nil, err
	}
	if s.breaker != nil {
		s.breaker.RecordFailure()
	}
	s.logger.WarnContext(ctx, "crm search unavailable, using failsafe", "status", status, "error", err)
	return s.failsafe(ctx, q, disqualify, status)
}

// primary streams every category filter in order and merges the qualified
// records.
func (s *Service) primary(ctx context.Context, filters []categoryFilter, disqualify qualifier.Func) ([]models.Contact, error) {
	var merged []models.Contact
	for _, f := range filters {
		found, err := s.searchCategory(ctx, f, disqualify)
		if err != nil {
			return nil, err
		}
		merged = append(merged, found...)
	}
	return merged, nil
}

func (s *Service) searchCategory(ctx context.Context, f categoryFilter, disqualify qualifier.Func) (found []models.Contact, err error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanSearch, tracer.String(tracer.AttrCategory, string(f.category)))
	defer func() {
		span.SetAttributes(tracer.Int(tracer.AttrQualified, len(found)))
		span.End(err)
	}()
	return collect(s.pages.Post(ctx, searchPath, f.filter), disqualify)
}

// failsafe issues the policy's free-text searches in order and returns the
// first non-empty qualified result. Its own failures are returned as is.
func (s *Service) failsafe(ctx context.Context, q models.Query, disqualify qualifier.Func, status int) (found []models.Contact, err error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanFailsafe, tracer.Int(tracer.AttrStatus, status))
	if status == 0 {
		span.AddEvent(tracer.EventBreakerOpen)
	} else {
		span.AddEvent(tracer.EventFailsafeTriggered, tracer.Int(tracer.AttrStatus, status))
	}
	defer func() {
		span.SetAttributes(tracer.Int(tracer.AttrQualified, len(found)))
		span.End(err)
		s.recordFailsafe(found, err)
	}()

	for _, query := range s.policy.fallbackQueries(q) {
		found, err = collect(s.pages.Get(ctx, freeTextSearchPath(query.text)), disqualify)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			span.SetAttributes(tracer.String(tracer.AttrFallback, string(query.key)))
			s.logger.InfoContext(ctx, "failsafe search matched", "query", string(query.key), "candidates", len(found))
			return found, nil
		}
	}
	return nil, nil
}

// collect decodes a contact sequence, dropping disqualified records.
func collect(seq iter.Seq2[json.RawMessage, error], disqualify qualifier.Func) ([]models.Contact, error) {
	var out []models.Contact
	for c, err := range paginator.Decode[models.Contact](seq) {
		if err != nil {
			return nil, err
		}
		if disqualify(c) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Service) resolve(ctx context.Context, candidates []models.Contact) (winner *models.Contact, err error) {
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		s.recordTiebreak(metrics.StageSingle)
		return &candidates[0], nil
	}

	ctx, span := s.tracer.Start(ctx, tracer.SpanTiebreak, tracer.Int(tracer.AttrCandidates, len(candidates)))
	defer func() { span.End(err) }()

	winner, err = s.byCaseRecency(ctx, candidates)
	if err != nil {
		return nil, err
	}
	stage := metrics.StageCase
	if winner == nil {
		winner = byFreshness(candidates)
		stage = metrics.StageFreshness
	}
	span.SetAttributes(tracer.String(tracer.AttrStage, stage))
	s.recordTiebreak(stage)
	return winner, nil
}

// byCaseRecency picks the candidate whose newest case is the latest. Only a
// strictly later case replaces the current pick, so earlier candidates win
// ties. Undated cases are ignored; it returns nil when no candidate has a
// dated case.
func (s *Service) byCaseRecency(ctx context.Context, candidates []models.Contact) (*models.Contact, error) {
	var (
		best   *models.Contact
		bestAt time.Time
	)
	for i := range candidates {
		latest, ok, err := s.latestCase(ctx, candidates[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if best == nil || latest.After(bestAt) {
			best = &candidates[i]
			bestAt = latest
		}
	}
	return best, nil
}

func (s *Service) latestCase(ctx context.Context, c models.Contact) (latest time.Time, found bool, err error) {
	for kase, err := range paginator.Decode[models.Case](s.pages.Get(ctx, casesPath(c.AccountID, c.ID))) {
		if err != nil {
			return time.Time{}, false, err
		}
		if kase.UpdatedAt.IsZero() {
			continue
		}
		if !found || kase.UpdatedAt.After(latest) {
			latest = kase.UpdatedAt.Time
			found = true
		}
	}
	return latest, found, nil
}

// byFreshness picks the most recently updated candidate; the first one wins
// ties.
func byFreshness(candidates []models.Contact) *models.Contact {
	best := &candidates[0]
	for i := 1; i < len(candidates); i++ {
		if candidates[i].UpdatedAt.After(best.UpdatedAt.Time) {
			best = &candidates[i]
		}
	}
	return best
}

// translate gives CRM failures a domain code, keeping the original error in
// the chain.
func (s *Service) translate(ctx context.Context, err error) error {
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	s.logger.ErrorContext(ctx, "doublet lookup failed", "error", err)

	var decodeErr *paginator.DecodeError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "crm request timed out")
	case errors.As(err, &decodeErr):
		return dErrors.Wrap(err, dErrors.CodeBadData, "crm returned an unreadable response")
	}
	if status, ok := transport.StatusCode(err); ok && s.policy.retryable(status) {
		return dErrors.Wrap(err, dErrors.CodeBackendUnavailable, "crm unavailable")
	}
	return dErrors.Wrap(err, dErrors.CodeBackend, "crm request failed")
}

func (s *Service) recordCheck(contact *models.Contact, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveCheckDuration(elapsed)
	switch {
	case dErrors.HasCode(err, dErrors.CodeValidation):
		s.metrics.IncrementChecks(metrics.OutcomeInvalid)
	case err != nil:
		s.metrics.IncrementChecks(metrics.OutcomeError)
	case contact == nil:
		s.metrics.IncrementChecks(metrics.OutcomeNoMatch)
	default:
		s.metrics.IncrementChecks(metrics.OutcomeMatch)
	}
}

func (s *Service) recordFailsafe(found []models.Contact, err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err != nil:
		s.metrics.IncrementFailsafe(metrics.FailsafeError)
	case len(found) == 0:
		s.metrics.IncrementFailsafe(metrics.FailsafeNoMatch)
	default:
		s.metrics.IncrementFailsafe(metrics.FailsafeMatch)
	}
}

func (s *Service) recordTiebreak(stage string) {
	if s.metrics != nil {
		s.metrics.IncrementTiebreak(stage)
	}
}

// Checker is a Service bound to a fixed qualifier.
type Checker struct {
	service    *Service
	disqualify qualifier.Func
}

// Bind returns a Checker that applies disqualify to every lookup.
func (s *Service) Bind(disqualify qualifier.Func) *Checker {
	return &Checker{service: s, disqualify: disqualify}
}

func (c *Checker) Find(ctx context.Context, q models.Query) (*models.Contact, error) {
	return c.service.Find(ctx, q, c.disqualify)
}
