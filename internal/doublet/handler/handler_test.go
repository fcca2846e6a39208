package handler

//go:generate mockgen -source=handler.go -destination=mocks/handler_mock.go -package=mocks Service

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"doublet/internal/crm/transport"
	"doublet/internal/doublet/handler/mocks"
	"doublet/internal/doublet/models"
	dErrors "doublet/pkg/domain-errors"
	"doublet/pkg/platform/middleware/request"
)

type HandlerSuite struct {
	suite.Suite
	router      http.Handler
	ctrl        *gomock.Controller
	mockService *mocks.MockService
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockService = mocks.NewMockService(s.ctrl)
	h := New(s.mockService, slog.New(slog.DiscardHandler))

	r := chi.NewRouter()
	r.Use(request.RequestID)
	h.Register(r)
	s.router = r
}

func (s *HandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *HandlerSuite) post(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/doublets/check", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) errorBody(rec *httptest.ResponseRecorder) map[string]string {
	var body map[string]string
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (s *HandlerSuite) TestMatch() {
	raw := `{"id":"c1","b2c":false,"account":{"id":"a1"},"updated_at":"2024-01-02T00:00:00Z","custom_fields":[]}`
	var contact models.Contact
	s.Require().NoError(json.Unmarshal([]byte(raw), &contact))

	s.mockService.EXPECT().
		Find(gomock.Any(), models.Query{
			FirstName: "Rachael",
			LastName:  "Armstrong",
			Email:     "rachael@test.com",
			Mobile:    "932-807-0673",
		}).
		Return(&contact, nil)

	rec := s.post(`{"first_name":" Rachael ","last_name":"Armstrong","email":"rachael@test.com","mobile":"932-807-0673"}`)

	s.Equal(http.StatusOK, rec.Code)
	s.NotEmpty(rec.Header().Get("X-Request-ID"))
	s.JSONEq(`{"match":true,"contact":`+raw+`}`, rec.Body.String())
}

func (s *HandlerSuite) TestNoMatch() {
	s.mockService.EXPECT().Find(gomock.Any(), gomock.Any()).Return(nil, nil)

	rec := s.post(`{"first_name":"Rachael","last_name":"Armstrong","landline":"+1-372-862-1467"}`)

	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"match":false,"contact":null}`, rec.Body.String())
}

func (s *HandlerSuite) TestInvalidRequestsNeverReachService() {
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"invalid json", `not json`, "invalid request body"},
		{"missing first name", `{"last_name":"Armstrong","email":"rachael@test.com"}`, "first_name is required"},
		{"blank last name", `{"first_name":"Rachael","last_name":"  ","email":"rachael@test.com"}`, "last_name is required"},
		{"no contact detail", `{"first_name":"Rachael","last_name":"Armstrong"}`, "at least one of email/mobile/landline must be set"},
		{"bad email", `{"first_name":"Rachael","last_name":"Armstrong","email":"rachael"}`, "email must be a valid email"},
		{"bad mobile", `{"first_name":"Rachael","last_name":"Armstrong","mobile":"ring ring"}`, "mobile must be a valid phone number"},
		{"unknown field", `{"first_name":"Rachael","last_name":"Armstrong","email":"rachael@test.com","fax":"1"}`, "invalid request body"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rec := s.post(tt.body)
			s.Equal(http.StatusBadRequest, rec.Code)
			s.Equal(tt.msg, s.errorBody(rec)["error_description"])
		})
	}
}

func (s *HandlerSuite) TestWrongContentType() {
	req := httptest.NewRequest(http.MethodPost, "/doublets/check", bytes.NewBufferString(`first_name=Rachael`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	s.Equal(http.StatusUnsupportedMediaType, rec.Code)
}

func (s *HandlerSuite) TestServiceErrors() {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			"backend unavailable",
			dErrors.Wrap(&transport.BackendError{Method: "GET", Path: "/contacts", StatusCode: 503}, dErrors.CodeBackendUnavailable, "crm unavailable"),
			http.StatusServiceUnavailable, "crm_unavailable",
		},
		{
			"backend failure",
			dErrors.Wrap(&transport.BackendError{Method: "POST", Path: "/contacts/filter", StatusCode: 401}, dErrors.CodeBackend, "crm request failed"),
			http.StatusBadGateway, "crm_error",
		},
		{
			"configuration",
			dErrors.New(dErrors.CodeConfiguration, "email is unknown"),
			http.StatusInternalServerError, "configuration_error",
		},
		{
			"validation from service",
			dErrors.New(dErrors.CodeValidation, "last name is mandatory"),
			http.StatusBadRequest, "validation_error",
		},
		{
			"unexpected",
			errors.New("boom"),
			http.StatusInternalServerError, "internal_error",
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.mockService.EXPECT().Find(gomock.Any(), gomock.Any()).Return(nil, tt.err)

			rec := s.post(`{"first_name":"Rachael","last_name":"Armstrong","email":"rachael@test.com"}`)

			s.Equal(tt.status, rec.Code)
			s.Equal(tt.code, s.errorBody(rec)["error"])
		})
	}
}
