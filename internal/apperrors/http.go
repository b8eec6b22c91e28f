package apperrors

import (
	"errors"
	"net/http"
)

// Listed from most specific to least specific.
var httpCodes = []struct {
	sentinel error
	code     int
}{
	{ErrPermission, http.StatusForbidden},
	{ErrAuthorization, http.StatusUnauthorized},
	{ErrNotFound, http.StatusNotFound},
	{ErrUnsupported, http.StatusBadRequest},
	{ErrDraining, http.StatusServiceUnavailable},
	{ErrUsage, http.StatusBadRequest},
}

// HTTPStatus maps an error to the status code the serving layer should
// respond with. Unclassified errors map to 500.
func HTTPStatus(err error) int {
	for _, m := range httpCodes {
		if errors.Is(err, m.sentinel) {
			return m.code
		}
	}
	return http.StatusInternalServerError
}
