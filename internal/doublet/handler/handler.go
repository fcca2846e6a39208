package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"doublet/internal/doublet/models"
	"doublet/pkg/platform/httputil"
	"doublet/pkg/platform/middleware/request"
	"doublet/pkg/platform/privacy"
	s "doublet/pkg/string"
	"doublet/pkg/validation"
)

// Service finds the existing contact for a person, or nil when there is none.
type Service interface {
	Find(ctx context.Context, q models.Query) (*models.Contact, error)
}

// Handler serves doublet checks over HTTP.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts the handler routes on the given router.
func (h *Handler) Register(r chi.Router) {
	r.With(request.ContentTypeJSON).Post("/doublets/check", h.HandleCheck)
}

// CheckRequest is the request body of POST /doublets/check.
type CheckRequest struct {
	FirstName string `json:"first_name" validate:"required,notblank,max=200"`
	LastName  string `json:"last_name" validate:"required,notblank,max=200"`
	Email     string `json:"email" validate:"required_without_all=Mobile Landline,omitempty,max=320,email"`
	Mobile    string `json:"mobile" validate:"omitempty,max=64,phone"`
	Landline  string `json:"landline" validate:"omitempty,max=64,phone"`
}

func (r *CheckRequest) Normalize() {
	s.TrimStrings(&r.FirstName, &r.LastName, &r.Email, &r.Mobile, &r.Landline)
}

func (r *CheckRequest) Validate() error {
	return validation.Validate(r)
}

func (r *CheckRequest) Query() models.Query {
	return models.Query{
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Mobile:    r.Mobile,
		Landline:  r.Landline,
	}
}

// CheckResponse carries the matched contact as the CRM returned it, or null.
type CheckResponse struct {
	Match   bool            `json:"match"`
	Contact *models.Contact `json:"contact"`
}

// HandleCheck handles POST /doublets/check requests.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CheckRequest](ctx, w, r, h.logger, requestID)
	if !ok {
		return
	}

	q := req.Query()
	contact, err := h.service.Find(ctx, q)
	if err != nil {
		h.logger.ErrorContext(ctx, "doublet check failed",
			"request_id", requestID,
			"email", privacy.MaskEmail(q.Email),
			"mobile", privacy.MaskPhone(q.Mobile),
			"landline", privacy.MaskPhone(q.Landline),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	if contact != nil {
		h.logger.InfoContext(ctx, "doublet found",
			"request_id", requestID,
			"contact_id", contact.ID,
			"account_id", contact.AccountID,
		)
	}
	httputil.WriteJSON(w, http.StatusOK, CheckResponse{Match: contact != nil, Contact: contact})
}
