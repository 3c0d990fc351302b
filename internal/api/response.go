package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/tillguard/internal/fault"
)

// Codes used only at the HTTP boundary.
const (
	codeUnauthorized = "UNAUTHORIZED"
	codeRateLimited  = "RATE_LIMITED"
	codeInternal     = "INTERNAL_ERROR"
)

const maxBodyBytes = 4 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: &errorBody{Code: code, Message: message}})
}

// statusOf maps an error code to its HTTP status.
func statusOf(code fault.Code) int {
	switch code {
	case fault.CodeValidation:
		return http.StatusBadRequest
	case fault.CodeNotFound:
		return http.StatusNotFound
	case fault.CodeInsufficientPermission:
		return http.StatusForbidden
	case fault.CodeVersionConflict, fault.CodeDuplicateScan, fault.CodePaymentBlocked,
		fault.CodeTransactionClosed, fault.CodeManualResolution:
		return http.StatusConflict
	case fault.CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON body into dst and runs struct validation.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fault.New(fault.CodeValidation, "api.decode", "request body is required")
		}
		return fault.Wrap(fault.CodeValidation, "api.decode", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fault.New(fault.CodeValidation, "api.decode", "%s failed %s", fe.Field(), tagDetail(fe))
		}
		return fault.Wrap(fault.CodeValidation, "api.decode", err)
	}
	return nil
}

func tagDetail(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
}
