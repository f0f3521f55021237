package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

const (
	ValidationErrorType = "validation_failed"
	DecodingErrorType   = "decoding_failed"
	ServiceErrorType    = "service_error"
)

// Credential requests are tiny, anything bigger is garbage
const MaxBodyBytes = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	configureValidator(validate)
}

type Struct any

type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Messages per validation tag. Tags not listed get "Invalid value"
var fieldMessages = map[string]func(validator.FieldError) string{
	"required": func(validator.FieldError) string { return "This field is required" },
	"min": func(fe validator.FieldError) string {
		return fmt.Sprintf("Value is too short (minimum %s)", fe.Param())
	},
	"max": func(fe validator.FieldError) string {
		return fmt.Sprintf("Value is too long (maximum %s)", fe.Param())
	},
	"required_without": func(fe validator.FieldError) string {
		return fmt.Sprintf("This field is required without '%s'", fe.Param())
	},
	"e164":    func(validator.FieldError) string { return "Phone must be in E.164 format" },
	"numeric": func(validator.FieldError) string { return "Value must contain digits only" },
	"npub":    func(validator.FieldError) string { return "Invalid nostr public key" },
	"scope":   func(validator.FieldError) string { return "Unknown scope" },
}

func JSON(w http.ResponseWriter, data any) {
	jsonWithStatus(w, data, http.StatusOK)
}

func Created(w http.ResponseWriter, data any) {
	jsonWithStatus(w, data, http.StatusCreated)
}

// ServiceError renders message with status code
func ServiceError(w http.ResponseWriter, message string, code int) {
	jsonWithStatus(w, ErrorResponse{Error: ServiceErrorType, Message: message}, code)
}

// DecodeError renders why request body could not be decoded
func DecodeError(w http.ResponseWriter, err error) {
	response := ErrorResponse{Error: DecodingErrorType}
	code := http.StatusBadRequest

	var (
		typeErr *json.UnmarshalTypeError
		sizeErr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &typeErr):
		response.Message = fmt.Sprintf("Invalid data type for field '%s'", typeErr.Field)
	case errors.As(err, &sizeErr):
		response.Message = fmt.Sprintf("Request body is larger than %d bytes", sizeErr.Limit)
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, io.EOF):
		response.Message = "Request body is empty"
	default:
		response.Message = fmt.Sprintf("Failed to parse JSON: %s", err.Error())
	}

	jsonWithStatus(w, response, code)
}

// ValidationErrors renders user friendly message for every failed field
func ValidationErrors(w http.ResponseWriter, errs validator.ValidationErrors) {
	response := ErrorResponse{
		Error:   ValidationErrorType,
		Message: "Request validation failed",
		Fields:  make(map[string]string, len(errs)),
	}

	for _, fieldError := range errs {
		message := "Invalid value"
		if format, ok := fieldMessages[fieldError.Tag()]; ok {
			message = format(fieldError)
		}
		response.Fields[fieldError.Field()] = message
	}

	jsonWithStatus(w, response, http.StatusBadRequest)
}

// BindAndValidate decodes JSON request body into type T and validates it using struct tags.
// On failure the error response is already written, caller just returns
func BindAndValidate[T Struct](w http.ResponseWriter, r *http.Request) (T, error) {
	var value T

	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&value); err != nil {
		DecodeError(w, err)
		return value, err
	}

	if err := Validate(value); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			ValidationErrors(w, errs)
		} else {
			ServiceError(w, "Invalid request", http.StatusBadRequest)
		}
		return value, err
	}

	return value, nil
}

// Validate value with the same rules as request bodies
func Validate(value any) error {
	return validate.Struct(value)
}

func jsonWithStatus(w http.ResponseWriter, data any, code int) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}
