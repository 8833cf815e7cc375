package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domainErrors.ErrPaymentNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrProviderNotFound, http.StatusNotFound, "unknown_provider"},
	{domainErrors.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{domainErrors.ErrInvalidMethod, http.StatusBadRequest, "invalid_method"},
	{domainErrors.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{domainErrors.ErrMalformedPayload, http.StatusBadRequest, "malformed_payload"},
	{domainErrors.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{domainErrors.ErrRefundExceedsAmount, http.StatusUnprocessableEntity, "refund_exceeds_amount"},
	{domainErrors.ErrProviderRejected, http.StatusUnprocessableEntity, "provider_rejected"},
	{domainErrors.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{domainErrors.ErrOptimisticLockFailed, http.StatusConflict, "conflict"},
	{domainErrors.ErrLockAcquisitionFailed, http.StatusConflict, "operation_in_progress"},
	{domainErrors.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
	{domainErrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domainErrors.ErrForbidden, http.StatusForbidden, "forbidden"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a response. A DomainError keeps its own code and
// takes the status of the sentinel it wraps. Anything unknown is treated as
// a transient backend failure and its text is not exposed.
func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		resp.Code = "validation_error"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	var domainErr *domainErrors.DomainError
	hasDomainErr := errors.As(err, &domainErr)

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			if hasDomainErr {
				resp.Code = domainErr.Code
			}
			if m.err == domainErrors.ErrOptimisticLockFailed {
				resp.Error = "concurrent modification, please retry"
			}
			writeJSON(w, m.status, resp)
			return
		}
	}

	if hasDomainErr {
		resp.Code = domainErr.Code
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	log.Error().Err(err).Msg("unhandled error in handler")
	resp.Code = "unavailable"
	resp.Error = "service temporarily unavailable, please retry"
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

// decodeAndValidate decodes a JSON body into dst and runs its validate tags.
// An empty body decodes as an empty object.
func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, domainErrors.NewValidationError("id", "invalid payment id")
	}
	return id, nil
}
