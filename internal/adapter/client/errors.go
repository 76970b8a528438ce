package client

import (
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"feelinglocal-core/internal/domain/entity"
)

// kindForStatus maps a provider HTTP status onto the error taxonomy. Rate
// limits and server errors are worth a retry, other client errors are not.
func kindForStatus(code int) entity.ErrorKind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return entity.KindTransient
	case code >= 400:
		return entity.KindBackend
	default:
		return entity.KindInternal
	}
}

// providerErr wraps err with a kind derived from the provider's status code.
// Errors without a status are left for the resilience layer to classify.
func providerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	code := 0
	var (
		gerr  genai.APIError
		gperr *genai.APIError
		oerr  *openai.APIError
		rerr  *openai.RequestError
	)
	switch {
	case errors.As(err, &gerr):
		code = gerr.Code
	case errors.As(err, &gperr):
		code = gperr.Code
	case errors.As(err, &oerr):
		code = oerr.HTTPStatusCode
	case errors.As(err, &rerr):
		code = rerr.HTTPStatusCode
	}
	if code == 0 {
		return err
	}
	return entity.NewError(kindForStatus(code), op, http.StatusText(code), err)
}
