// Package api holds the OpenAPI description of the HTTP surface and the
// middleware that validates incoming requests against it.
package api

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

//go:embed openapi.yaml
var Document []byte

// Load parses and validates the embedded document.
func Load(ctx context.Context) (*openapi3.T, error) {
	doc, err := openapi3.NewLoader().LoadFromData(Document)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	return doc, nil
}

// ErrorWriter renders a field->messages map with the given status.
type ErrorWriter func(w http.ResponseWriter, status int, fields map[string][]string)

// ValidationMiddleware rejects requests whose parameters or JSON bodies do
// not match the document. Requests for routes the document does not
// describe pass through untouched.
func ValidationMiddleware(doc *openapi3.T, writeErr ErrorWriter) (func(http.Handler) http.Handler, error) {
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	options := &openapi3filter.Options{
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				if !errors.Is(err, routers.ErrPathNotFound) && !errors.Is(err, routers.ErrMethodNotAllowed) {
					slog.Debug("OpenAPI route lookup failed", "error", err, "path", r.URL.Path)
				}
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options:    options,
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				writeErr(w, http.StatusBadRequest, validationFields(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

// validationFields flattens kin-openapi errors into field->messages.
func validationFields(err error) map[string][]string {
	fields := map[string][]string{}
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			addValidationError(fields, e)
		}
	} else {
		addValidationError(fields, err)
	}
	return fields
}

func addValidationError(fields map[string][]string, err error) {
	field, message := "non_field_errors", err.Error()

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		message = reqErr.Reason
		if reqErr.Parameter != nil {
			field = reqErr.Parameter.Name
		}
	}
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		message = schemaErr.Reason
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 {
			field = strings.Join(ptr, ".")
		}
	}
	if message == "" {
		message = err.Error()
	}
	fields[field] = append(fields[field], message)
}
