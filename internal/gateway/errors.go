package gateway

import (
	"errors"
	"net/http"

	"github.com/soyeahso/gia/internal/domain"
)

// errorBody is the JSON shape of every HTTP error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind"`
}

// classify maps an error onto an HTTP status and a stable error code.
func classify(err error) (int, string) {
	var (
		validation  *domain.ValidationError
		notFound    *domain.NotFoundError
		conflict    *domain.ConflictError
		configErr   *domain.ConfigurationError
		unavailable *domain.BackendUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &notFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &conflict):
		return http.StatusConflict, "conflict"
	case errors.As(err, &configErr):
		return http.StatusUnprocessableEntity, "configuration"
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code, Kind: domain.ErrorKind(err)})
}

// rpcError converts err into a response frame error.
func rpcError(err error) ErrorShape {
	status, code := classify(err)
	return ErrorShape{
		Code:      code,
		Message:   err.Error(),
		Retryable: status == http.StatusServiceUnavailable,
	}
}
