package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"bloodbank-api/internal/middleware"
	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"
	"bloodbank-api/internal/service"
	"bloodbank-api/pkg/apierror"
	"bloodbank-api/pkg/response"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// decodeJSON reads the request body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	return decode(w, r, dst, false)
}

// decodeOptionalJSON is decodeJSON for endpoints that accept an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	return decode(w, r, dst, true)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return apierror.BadRequest("invalid request body: " + err.Error())
		}
	}
	return validateStruct(dst)
}

func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apierror.BadRequest(err.Error())
	}
	details := make([]apierror.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, apierror.FieldError{Field: fe.Field(), Message: describeTag(fe)})
	}
	return apierror.ValidationError("request validation failed", details...)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "email":
		return "must be a valid email address"
	case "datetime":
		return "must be a date in " + fe.Param() + " format"
	case "unique":
		return "must not contain duplicates"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// writeError maps service and store errors to API errors.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var apiErr *apierror.Error
	var ve *model.ValidationError
	var short *service.InsufficientStockError

	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &ve):
		apiErr = apierror.ValidationError(ve.Error(), apierror.FieldError{Field: ve.Field, Message: ve.Message})
	case errors.Is(err, service.ErrForbidden):
		apiErr = apierror.Forbidden("admin role required")
	case errors.Is(err, repository.ErrNotFound):
		apiErr = apierror.NotFound("")
	case errors.As(err, &short):
		apiErr = apierror.InsufficientStock(short.Error())
	case errors.Is(err, repository.ErrInsufficientStock):
		apiErr = apierror.InsufficientStock("one or more units are no longer available")
	case errors.Is(err, repository.ErrConflict):
		apiErr = apierror.Conflict(err.Error())
	default:
		log.Error("request failed", zap.Error(err))
		apiErr = apierror.InternalError("")
	}
	response.Error(w, apiErr)
}

// actor returns the authenticated actor of r.
func actor(r *http.Request) *model.Actor {
	return middleware.ActorFromContext(r.Context())
}

// pagination reads page and limit query parameters.
func pagination(r *http.Request) (page, limit, offset int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit, (page - 1) * limit
}

func queryBloodGroup(r *http.Request) (model.BloodGroup, error) {
	raw := strings.TrimLeft(r.URL.Query().Get("blood_group"), " ")
	if raw == "" {
		return "", nil
	}
	// An unescaped "+" arrives as a space.
	if strings.HasSuffix(raw, " ") {
		raw = strings.TrimRight(raw, " ") + "+"
	}
	return model.ParseBloodGroup(raw)
}
