package http

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"shopfloor/backend/internal/schedule"
	"shopfloor/backend/internal/service/appointments"
	"shopfloor/backend/internal/store"
)

// Values of the "type" field of the error envelope.
const (
	errTypeValidation     = "validation"
	errTypeNotFound       = "not_found"
	errTypeInvalidRange   = "invalid_range"
	errTypeConcurrency    = "concurrency"
	errTypeCascadeLimit   = "cascade_limit"
	errTypeCascadeOverlap = "cascade_overlap"
	errTypeConflict       = "conflict"
	errTypeTimeout        = "timeout"
	errTypeHTTP           = "http"
	errTypeInternal       = "internal"
)

type apiError struct {
	code          int
	errType       string
	message       string
	appointmentID uuid.UUID
	retryAfter    bool
}

// classify maps service and store errors to the HTTP surface. Order
// matters: OverlapError and the unavailable errors also match ErrConflict.
func classify(err error) apiError {
	var (
		vErr     *appointments.ValidationError
		rangeErr *schedule.InvalidRangeError
		limitErr *schedule.LimitError
		ovErr    *schedule.OverlapError
		fErr     *fiber.Error
	)

	switch {
	case errors.As(err, &fErr):
		t := errTypeHTTP
		if fErr.Code == fiber.StatusBadRequest {
			t = errTypeValidation
		}
		if fErr.Code == fiber.StatusNotFound {
			t = errTypeNotFound
		}
		return apiError{code: fErr.Code, errType: t, message: fErr.Message}
	case errors.As(err, &vErr):
		return apiError{code: fiber.StatusBadRequest, errType: errTypeValidation, message: vErr.Error()}
	case errors.Is(err, store.ErrNotFound):
		return apiError{code: fiber.StatusNotFound, errType: errTypeNotFound, message: "appointment not found"}
	case errors.As(err, &rangeErr):
		return apiError{code: fiber.StatusUnprocessableEntity, errType: errTypeInvalidRange, message: rangeErr.Error(), appointmentID: rangeErr.AppointmentID}
	case errors.Is(err, schedule.ErrInvalidRange):
		return apiError{code: fiber.StatusUnprocessableEntity, errType: errTypeInvalidRange, message: err.Error()}
	case errors.Is(err, store.ErrConcurrencyConflict):
		return apiError{code: fiber.StatusConflict, errType: errTypeConcurrency, message: "the box is being rescheduled by someone else, retry shortly", retryAfter: true}
	case errors.As(err, &limitErr):
		return apiError{code: fiber.StatusUnprocessableEntity, errType: errTypeCascadeLimit, message: limitErr.Error(), appointmentID: limitErr.AppointmentID}
	case errors.As(err, &ovErr):
		return apiError{code: fiber.StatusConflict, errType: errTypeCascadeOverlap, message: ovErr.Error()}
	case errors.Is(err, appointments.ErrBoxUnavailable):
		return apiError{code: fiber.StatusConflict, errType: errTypeConflict, message: appointments.ErrBoxUnavailable.Error()}
	case errors.Is(err, appointments.ErrVehicleUnavailable):
		return apiError{code: fiber.StatusConflict, errType: errTypeConflict, message: appointments.ErrVehicleUnavailable.Error()}
	case errors.Is(err, store.ErrConflict):
		return apiError{code: fiber.StatusConflict, errType: errTypeConflict, message: "the change conflicts with another appointment"}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{code: fiber.StatusGatewayTimeout, errType: errTypeTimeout, message: "request timed out"}
	default:
		return apiError{code: fiber.StatusInternalServerError, errType: errTypeInternal, message: "internal error"}
	}
}

func errorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		e := classify(err)

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("route", c.Route().Path),
			slog.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
			slog.Int("status", e.code),
			slog.Any("err", err),
		}
		if e.code >= fiber.StatusInternalServerError {
			log.Error("request failed", attrs...)
		} else {
			log.Info("request rejected", attrs...)
		}

		body := fiber.Map{
			"status":    e.code,
			"message":   e.message,
			"ok":        false,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"url":       c.OriginalURL(),
			"type":      e.errType,
		}
		if e.appointmentID != uuid.Nil {
			body["appointmentId"] = e.appointmentID
		}
		if e.retryAfter {
			c.Set(fiber.HeaderRetryAfter, "1")
		}
		return c.Status(e.code).JSON(body)
	}
}
