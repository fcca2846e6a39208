package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"doublet/internal/crm/paginator"
	"doublet/internal/crm/transport"
	"doublet/internal/doublet/filter"
	"doublet/internal/doublet/metrics"
	"doublet/internal/doublet/models"
	"doublet/internal/doublet/qualifier"
	dErrors "doublet/pkg/domain-errors"
	"doublet/pkg/platform/circuit"
)

// fakeCRM answers the paginated endpoints from in-memory records, two records
// per page, and records every request it receives.
type fakeCRM struct {
	private     []string
	business    []string
	searchErr   map[filter.Category]error
	freeText    map[string][]string
	freeTextErr map[string]error
	cases       map[string][]string
	casesErr    error
	calls       []string
}

const pageSize = 2

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		searchErr:   map[filter.Category]error{},
		freeText:    map[string][]string{},
		freeTextErr: map[string]error{},
		cases:       map[string][]string{},
	}
}

func (f *fakeCRM) Request(_ context.Context, method, path string, payload any) ([]byte, error) {
	f.calls = append(f.calls, method+" "+path)

	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	page, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil {
		return nil, fmt.Errorf("missing page in %s", path)
	}

	switch {
	case method == "POST" && u.Path == "/contacts/filter":
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		category, records := filter.CategoryBusiness, f.business
		if bytes.Contains(body, []byte("b2c_contact.")) {
			category, records = filter.CategoryPrivate, f.private
		}
		if err := f.searchErr[category]; err != nil {
			return nil, err
		}
		return pageOf(records, page), nil

	case method == "GET" && u.Path == "/contacts":
		text := u.Query().Get("q")
		if err := f.freeTextErr[text]; err != nil {
			return nil, err
		}
		return pageOf(f.freeText[text], page), nil

	case method == "GET" && strings.HasSuffix(u.Path, "/cases"):
		if f.casesErr != nil {
			return nil, f.casesErr
		}
		parts := strings.Split(u.Path, "/")
		return pageOf(f.cases[parts[4]], page), nil
	}
	return nil, &transport.BackendError{Method: method, Path: path, StatusCode: 404}
}

func pageOf(records []string, page int) []byte {
	lo := min((page-1)*pageSize, len(records))
	hi := min(page*pageSize, len(records))
	next := "null"
	if hi < len(records) {
		next = fmt.Sprintf(`"/next?page=%d"`, page+1)
	}
	return fmt.Appendf(nil, `{"data":[%s],"pagination":{"urls":{"next":%s}}}`,
		strings.Join(records[lo:hi], ","), next)
}

func (f *fakeCRM) callsTo(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func contactJSON(id, accountID, updatedAt string, customFields ...models.Field) string {
	custom, _ := json.Marshal(customFields)
	return fmt.Sprintf(`{"id":%q,"account":{"id":%q},"updated_at":%q,"custom_fields":%s}`,
		id, accountID, updatedAt, custom)
}

func caseJSON(id, updatedAt string) string {
	return fmt.Sprintf(`{"id":%q,"updated_at":%q}`, id, updatedAt)
}

func unavailable(status int) error {
	return &transport.BackendError{Method: "POST", Path: "/contacts/filter", StatusCode: status}
}

var rachael = models.Query{
	FirstName: "Rachael",
	LastName:  "Armstrong",
	Email:     "rachael@test.com",
	Mobile:    "932-807-0673",
}

type ServiceSuite struct {
	suite.Suite
	crm     *fakeCRM
	metrics *metrics.Metrics
	service *Service
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.crm = newFakeCRM()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.service = New(paginator.New(s.crm), WithMetrics(s.metrics))
	s.ctx = context.Background()
}

func (s *ServiceSuite) find(q models.Query, disqualify qualifier.Func) (*models.Contact, error) {
	return s.service.Find(s.ctx, q, disqualify)
}

func (s *ServiceSuite) TestValidationMakesNoRequests() {
	tests := []struct {
		name  string
		query models.Query
	}{
		{"missing first name", models.Query{LastName: "Armstrong", Email: "rachael@test.com"}},
		{"missing last name", models.Query{FirstName: "Rachael", Mobile: "932-807-0673"}},
		{"no contact detail", models.Query{FirstName: "Rachael", LastName: "Armstrong"}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.crm.calls = nil
			contact, err := s.find(tt.query, nil)
			s.Nil(contact)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation))
			s.Empty(s.crm.calls)
		})
	}
	s.Equal(float64(3), testutil.ToFloat64(s.metrics.ChecksTotal.WithLabelValues(metrics.OutcomeInvalid)))
}

func (s *ServiceSuite) TestConfigurationErrorMakesNoRequests() {
	broken := filter.Schema{Category: filter.CategoryPrivate, Fields: map[filter.Field]string{}}
	svc := New(paginator.New(s.crm), WithSchemas(broken))

	_, err := svc.Find(s.ctx, rachael, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConfiguration))
	s.Empty(s.crm.calls)
}

func (s *ServiceSuite) TestNoCandidates() {
	contact, err := s.find(rachael, nil)
	s.Require().NoError(err)
	s.Nil(contact)
	s.Equal([]string{"POST /contacts/filter?page=1", "POST /contacts/filter?page=1"}, s.crm.calls)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.ChecksTotal.WithLabelValues(metrics.OutcomeNoMatch)))
}

func (s *ServiceSuite) TestSingleCandidateReturnedVerbatim() {
	raw := `{"id":"c1","b2c":true,"account":{"id":"a1"},"updated_at":"2024-01-01T00:00:00Z","extra":{"kept":true}}`
	s.crm.private = []string{raw}
	s.crm.cases["c1"] = []string{caseJSON("k1", "2024-02-01T00:00:00Z")}

	contact, err := s.find(rachael, nil)
	s.Require().NoError(err)
	s.Require().NotNil(contact)
	s.Equal("c1", contact.ID)
	s.JSONEq(raw, string(contact.Raw))
	s.Zero(s.crm.callsTo("GET"), "no case lookups for a single candidate")
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.TiebreakTotal.WithLabelValues(metrics.StageSingle)))
}

func (s *ServiceSuite) TestQualifierRemovingEverythingIsNoMatch() {
	s.crm.private = []string{contactJSON("c1", "a1", "2024-01-01T00:00:00Z")}
	s.crm.business = []string{contactJSON("c2", "a2", "2024-01-02T00:00:00Z")}

	contact, err := s.find(rachael, func(models.Contact) bool { return true })
	s.Require().NoError(err)
	s.Nil(contact)
}

func (s *ServiceSuite) TestZombieQualifierRunsBeforeTiebreak() {
	s.crm.private = []string{contactJSON("c1", "a1", "2024-01-01T00:00:00Z")}
	s.crm.business = []string{contactJSON("c2", "a2", "2024-06-01T00:00:00Z",
		models.Field{Name: qualifier.DefaultZombieField, Value: true})}

	contact, err := s.find(rachael, qualifier.Zombie())
	s.Require().NoError(err)
	s.Require().NotNil(contact)
	s.Equal("c1", contact.ID)
	s.Zero(s.crm.callsTo("GET"))
}

func (s *ServiceSuite) TestCaseRecencyWins() {
	s.crm.private = []string{
		contactJSON("c1", "a1", "2024-01-01T00:00:00Z"),
		contactJSON("c2", "a2", "2024-01-01T00:00:00Z"),
		contactJSON("c3", "a3", "2025-01-01T00:00:00Z"),
	}
	s.crm.cases["c1"] = []string{caseJSON("k1", "2024-03-01T00:00:00Z")}
	s.crm.cases["c2"] = []string{
		caseJSON("k2", "2024-01-01T00:00:00Z"),
		caseJSON("k3", "2024-02-01T00:00:00Z"),
		caseJSON("k4", "2024-05-01 10:00:00"),
	}

	contact, err := s.find(rachael, nil)
	s.Require().NoError(err)
	s.Require().NotNil(contact)
	s.Equal("c2", contact.ID, "c3 is fresher but has no cases")
	s.Equal(2, s.crm.callsTo("GET /accounts/a2/contacts/c2/cases"), "cases are paginated")
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.TiebreakTotal.WithLabelValues(metrics.StageCase)))
}

func (s *ServiceSuite) TestCaseRecencyTieKeepsFirstCandidate() {
	s.crm.private = []string{contactJSON("c1", "a1", "2024-01-01T00:00:00Z")}
	s.crm.business = []string{contactJSON("c2", "a2", "2024-09-01T00:00:00Z")}
	s.crm.cases["c1"] = []string{caseJSON("k1", "2024-03-01T00:00:00Z")}
	s.crm.cases["c2"] = []string{caseJSON("k2", "2024-03-01T00:00:00Z")}

	contact, err := s.find(rachael, nil)
	s.Require().NoError(err)
	s.Equal("c1", contact.ID)
}

func (s *ServiceSuite) TestUndatedCasesAreIgnored() {
	s.crm.private = []string{contactJSON("c1", "a1", "2024-01-01T00:00:00Z")}
	s.crm.business = []string{contactJSON("c2", "a2", "2024-01-02T00:00:00Z")}
	s.crm.cases["c1"] = []string{`{"id":"k1","updated_at":null}`}

	contact, err := s.find(rachael, nil)
	s.Require().NoError(err)
	s.Require().NotNil(contact)
	s.Equal("c2", contact.ID, "a case without a timestamp does not count")
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.TiebreakTotal.WithLabelValues(metrics.StageFreshness)))
}

func (s *ServiceSuite) TestFreshnessWhenNoCases() {
	s.crm.private = []string{contactJSON("c1", "a1", "2024-01-01T00:00:00Z")}
	s.crm.business = []string{contactJSON("c2", "a2", "2024-01-02T00:00:00Z")}

	contact, err := s.find(rachael, nil)
	s.Require().NoError(err)
	s.Require().NotNil(contact)
	s.Equal("c2", contact.ID)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.TiebreakTotal.WithLabelValues(metrics.StageFreshness)))
}

func (s *ServiceSuite) TestFreshnessTieKeepsMergeOrder() {
	s.crm.private = []string{
		contactJSON("c1", "a1", "2024-01-01T00:00:00Z"),
		contactJSON("c2", "a2", "2024-01-03T00:00:00Z"),
		contactJSON("c3", "a3", "2024-01-02T00:00:00Z"),
	}
	s.crm.business = []string{contactJSON("c4", "a4", "2024-01-03T00:00:00Z")}

	contact, err := s.find(rachael, nil)
	s.Require().NoError(err)
	s.Equal("c2", contact.ID)
}

func (s *ServiceSuite) TestFailsafeOnTransientStatus() {
	s.crm.searchErr[filter.CategoryPrivate] = unavailable(503)
	s.crm.freeText["Rachael Armstrong"] = []string{contactJSON("c9", "a9", "2024-01-01T00:00:00Z")}
	s.crm.freeText["932-807-0673"] = []string{contactJSON("c8", "a8", "2024-01-01T00:00:00Z")}

	contact, err := s.find(rachael, nil)
	s.Require().NoError(err)
	s.Require().NotNil(contact)
	s.Equal("c9", contact.ID)
	s.Equal([]string{
		"POST /contacts/filter?page=1",
		"GET /contacts?page=1&q=rachael%40test.com",
		"GET /contacts?page=1&q=Rachael+Armstrong",
	}, s.crm.calls, "the first non-empty free-text result stops the fallback")
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.FailsafeTotal.WithLabelValues(metrics.FailsafeMatch)))
}

func (s *ServiceSuite) TestFailsafeAppliesQualifier() {
	s.crm.searchErr[filter.CategoryBusiness] = unavailable(500)
	s.crm.freeText["rachael@test.com"] = []string{contactJSON("c1", "a1", "2024-01-01T00:00:00Z",
		models.Field{Name: qualifier.DefaultZombieField, Value: "1"})}
	s.crm.freeText["932-807-0673"] = []string{contactJSON("c2", "a2", "2024-01-01T00:00:00Z")}

	contact, err := s.find(rachael, qualifier.Zombie())
	s.Require().NoError(err)
	s.Require().NotNil(contact)
	s.Equal("c2", contact.ID)
	s.Equal(3, s.crm.callsTo("GET /contacts?"))
}

func (s *ServiceSuite) TestFailsafeCandidatesAreTiebroken() {
	s.crm.searchErr[filter.CategoryPrivate] = unavailable(504)
	s.crm.freeText["rachael@test.com"] = []string{
		contactJSON("c1", "a1", "2024-01-05T00:00:00Z"),
		contactJSON("c2", "a2", "2024-01-01T00:00:00Z"),
	}
	s.crm.cases["c2"] = []string{caseJSON("k1", "2023-01-01T00:00:00Z")}

	contact, err := s.find(rachael, nil)
	s.Require().NoError(err)
	s.Equal("c2", contact.ID)
}

func (s *ServiceSuite) TestFailsafeWithoutResultsIsNoMatch() {
	s.crm.searchErr[filter.CategoryPrivate] = unavailable(502)

	contact, err := s.find(models.Query{FirstName: "Rachael", LastName: "Armstrong", Landline: "+1-372-862-1467"}, nil)
	s.Require().NoError(err)
	s.Nil(contact)
	s.Equal([]string{
		"POST /contacts/filter?page=1",
		"GET /contacts?page=1&q=Rachael+Armstrong",
		"GET /contacts?page=1&q=%2B1-372-862-1467",
	}, s.crm.calls, "absent details are skipped")
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.FailsafeTotal.WithLabelValues(metrics.FailsafeNoMatch)))
}

func (s *ServiceSuite) TestTransientErrorAfterFirstCategoryStillFallsBack() {
	s.crm.private = []string{contactJSON("c1", "a1", "2024-01-01T00:00:00Z")}
	s.crm.searchErr[filter.CategoryBusiness] = unavailable(503)
	s.crm.freeText["rachael@test.com"] = []string{contactJSON("c7", "a7", "2024-01-01T00:00:00Z")}

	contact, err := s.find(rachael, nil)
	s.Require().NoError(err)
	s.Equal("c7", contact.ID, "partial primary results are discarded")
}

func (s *ServiceSuite) TestNonRetryableErrorPropagates() {
	backendErr := unavailable(422)
	s.crm.searchErr[filter.CategoryPrivate] = backendErr

	contact, err := s.find(rachael, nil)
	s.Nil(contact)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeBackend))
	s.ErrorIs(err, backendErr)
	status, ok := transport.StatusCode(err)
	s.True(ok)
	s.Equal(422, status)
	s.Zero(s.crm.callsTo("GET"))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.ChecksTotal.WithLabelValues(metrics.OutcomeError)))
}

func (s *ServiceSuite) TestNetworkErrorDoesNotFallBack() {
	s.crm.searchErr[filter.CategoryPrivate] = &transport.BackendError{
		Method: "POST", Path: "/contacts/filter", Underlying: errors.New("connection reset"),
	}

	_, err := s.find(rachael, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeBackend))
	s.Zero(s.crm.callsTo("GET"))
}

func (s *ServiceSuite) TestFailsafeErrorPropagatesWithoutNesting() {
	s.crm.searchErr[filter.CategoryPrivate] = unavailable(503)
	s.crm.freeTextErr["rachael@test.com"] = &transport.BackendError{Method: "GET", Path: "/contacts", StatusCode: 503}

	_, err := s.find(rachael, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeBackendUnavailable))
	s.Equal(1, s.crm.callsTo("GET /contacts?"))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.FailsafeTotal.WithLabelValues(metrics.FailsafeError)))
}

func (s *ServiceSuite) TestCaseLookupErrorPropagates() {
	s.crm.private = []string{
		contactJSON("c1", "a1", "2024-01-01T00:00:00Z"),
		contactJSON("c2", "a2", "2024-01-02T00:00:00Z"),
	}
	s.crm.casesErr = &transport.BackendError{Method: "GET", Path: "/accounts", StatusCode: 503}

	_, err := s.find(rachael, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeBackendUnavailable))
	s.Zero(s.crm.callsTo("GET /contacts?"), "only the structured search falls back")
}

func (s *ServiceSuite) TestUnreadableRecordIsBadData() {
	s.crm.private = []string{`{"b2c":true}`}

	_, err := s.find(rachael, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeBadData))
	var decodeErr *paginator.DecodeError
	s.ErrorAs(err, &decodeErr)
}

func (s *ServiceSuite) TestCancelledContextIsTimeout() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.crm.searchErr[filter.CategoryPrivate] = &transport.BackendError{
		Method: "POST", Path: "/contacts/filter", Underlying: context.Canceled,
	}

	_, err := s.service.Find(ctx, rachael, nil)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

func (s *ServiceSuite) TestRateLimitDeadlineIsTimeout() {
	s.crm.searchErr[filter.CategoryPrivate] = &transport.BackendError{
		Method: "POST", Path: "/contacts/filter",
		Underlying: fmt.Errorf("rate limit wait: %w: would exceed context deadline", context.DeadlineExceeded),
	}

	_, err := s.find(rachael, nil)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.Zero(s.crm.callsTo("GET /contacts?"), "no failsafe without a status")
}

func (s *ServiceSuite) TestCustomPolicy() {
	svc := New(paginator.New(s.crm), WithPolicy(Policy{
		RetryableStatuses: []int{429},
		FallbackOrder:     []FallbackKey{FallbackMobile},
	}))

	s.Run("non-default status falls back in the configured order", func() {
		s.crm.calls = nil
		s.crm.searchErr[filter.CategoryPrivate] = unavailable(429)
		s.crm.freeText["932-807-0673"] = []string{contactJSON("c1", "a1", "2024-01-01T00:00:00Z")}

		contact, err := svc.Find(s.ctx, rachael, nil)
		s.Require().NoError(err)
		s.Equal("c1", contact.ID)
		s.Equal(1, s.crm.callsTo("GET /contacts?"))
	})

	s.Run("default statuses are no longer retryable", func() {
		s.crm.calls = nil
		s.crm.searchErr[filter.CategoryPrivate] = unavailable(503)

		_, err := svc.Find(s.ctx, rachael, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeBackend))
		s.Zero(s.crm.callsTo("GET"))
	})
}

func (s *ServiceSuite) TestBreakerSkipsPrimaryWhileOpen() {
	breaker := circuit.New("crm-search", circuit.WithFailureThreshold(1), circuit.WithSuccessThreshold(2))
	svc := New(paginator.New(s.crm), WithBreaker(breaker))
	s.crm.searchErr[filter.CategoryPrivate] = unavailable(503)
	s.crm.freeText["rachael@test.com"] = []string{contactJSON("c1", "a1", "2024-01-01T00:00:00Z")}

	_, err := svc.Find(s.ctx, rachael, nil)
	s.Require().NoError(err)
	s.True(breaker.IsOpen())

	s.crm.calls = nil
	contact, err := svc.Find(s.ctx, rachael, nil)
	s.Require().NoError(err)
	s.Equal("c1", contact.ID)
	s.Zero(s.crm.callsTo("POST"), "open breaker bypasses the structured search")
	s.True(breaker.IsOpen())

	s.crm.calls = nil
	_, err = svc.Find(s.ctx, rachael, nil)
	s.Require().NoError(err)
	s.Zero(s.crm.callsTo("POST"))
	s.False(breaker.IsOpen(), "closes after enough failsafe successes")

	delete(s.crm.searchErr, filter.CategoryPrivate)
	s.crm.calls = nil
	_, err = svc.Find(s.ctx, rachael, nil)
	s.Require().NoError(err)
	s.Equal(2, s.crm.callsTo("POST"))
}

func (s *ServiceSuite) TestBoundChecker() {
	s.crm.private = []string{
		contactJSON("c1", "a1", "2024-01-01T00:00:00Z", models.Field{Name: "merged", Value: true}),
		contactJSON("c2", "a2", "2023-01-01T00:00:00Z"),
	}

	checker := s.service.Bind(qualifier.CustomFlag("merged"))
	contact, err := checker.Find(s.ctx, rachael)
	s.Require().NoError(err)
	s.Equal("c2", contact.ID)
}

func TestParseFallbackOrder(t *testing.T) {
	keys, err := ParseFallbackOrder([]string{"name", "email"})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != FallbackName || keys[1] != FallbackEmail {
		t.Fatalf("unexpected keys %v", keys)
	}
	if _, err := ParseFallbackOrder([]string{"fax"}); err == nil {
		t.Fatal("expected unknown key error")
	}
}
