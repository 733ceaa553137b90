package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/coord"
	"github.com/overpasskit/landmark-webhook/internal/overpass"
	"github.com/overpasskit/landmark-webhook/internal/webhook"
)

// Submitter accepts webhook submissions.
type Submitter interface {
	Submit(ctx context.Context, lat, lng string) (webhook.Submission, error)
}

// Querier serves the read endpoints.
type Querier interface {
	GetByID(ctx context.Context, id uuid.UUID) (*webhook.Response, error)
	GetByCoordinates(ctx context.Context, lat, lng string) (*webhook.QueryResponse, error)
}

// API holds the handler set behind the router.
type API struct {
	log       zerolog.Logger
	submitter Submitter
	querier   Querier
	validate  *validator.Validate
}

func NewAPI(s Submitter, q Querier, log zerolog.Logger) *API {
	return &API{
		log:       log.With().Str("component", "httpapi").Logger(),
		submitter: s,
		querier:   q,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// submitRequest carries the coordinates as json.Number so the literal digits
// reach canonicalization without a float round trip.
type submitRequest struct {
	Lat json.Number `json:"lat" validate:"required"`
	Lng json.Number `json:"lng" validate:"required"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Malformed request body")
		return
	}
	if err := a.validate.Struct(body); err != nil {
		writeFieldErrors(w, http.StatusBadRequest, CodeValidation, "Validation failed", validationFields(err))
		return
	}

	sub, err := a.submitter.Submit(r.Context(), body.Lat.String(), body.Lng.String())
	if err != nil {
		var verr *coord.InvalidInputError
		if errors.As(err, &verr) {
			writeFieldErrors(w, http.StatusBadRequest, CodeValidation, "Validation failed", verr.Fields)
			return
		}
		var qerr *webhook.EnqueueError
		if errors.As(err, &qerr) {
			a.log.Error().Err(err).Msg("webhook enqueue failed")
			writeError(w, http.StatusBadGateway, CodeWebhookProcessing, "Failed to queue webhook for processing")
			return
		}
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidParameter, "Invalid parameter type: id")
		return
	}

	resp, err := a.querier.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, webhook.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, webhook.ErrNotReady):
		w.WriteHeader(http.StatusAccepted)
	case err != nil:
		a.writeDomainError(w, err)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *API) handleLandmarks(w http.ResponseWriter, r *http.Request) {
	lat := strings.TrimSpace(r.URL.Query().Get("lat"))
	lng := strings.TrimSpace(r.URL.Query().Get("lng"))

	resp, err := a.querier.GetByCoordinates(r.Context(), lat, lng)
	if err != nil {
		var verr *coord.InvalidInputError
		if errors.As(err, &verr) {
			writeFieldErrors(w, http.StatusBadRequest, CodeInvalidParameter, "Invalid query parameters", verr.Fields)
			return
		}
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeDomainError maps everything the endpoint branches above did not:
// upstream failures surface as 502, anything else is opaque.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	var oerr *overpass.Error
	if errors.As(err, &oerr) {
		writeError(w, http.StatusBadGateway, CodeOverpass, oerr.Error())
		return
	}
	a.log.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred")
}

func validationFields(err error) map[string]string {
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fields["body"] = err.Error()
		return fields
	}
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			fields[name] = "is required"
		default:
			fields[name] = "is invalid"
		}
	}
	return fields
}
