package answer

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrGameNotFound         = errors.New("game not found")
	ErrEditionNotFound      = errors.New("edition not found")
	ErrExpansionNotFound    = errors.New("expansion not found")
	ErrHistoryNotFound      = errors.New("ask history not found")
	ErrSourceNotFound       = errors.New("source not found")
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrGenerationFailed     = errors.New("answer generation failed")
	ErrBudgetExceeded       = errors.New("generation budget exceeded")
	ErrRateLimited          = errors.New("rate limited")
)

// ErrorCode is the stable, client-facing name of a failure.
type ErrorCode string

const (
	CodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	CodeGameNotFound         ErrorCode = "GAME_NOT_FOUND"
	CodeEditionNotFound      ErrorCode = "EDITION_NOT_FOUND"
	CodeExpansionNotFound    ErrorCode = "EXPANSION_NOT_FOUND"
	CodeHistoryNotFound      ErrorCode = "HISTORY_NOT_FOUND"
	CodeSourceNotFound       ErrorCode = "SOURCE_NOT_FOUND"
	CodeRetrievalUnavailable ErrorCode = "RETRIEVAL_UNAVAILABLE"
	CodeGenerationError      ErrorCode = "GENERATION_ERROR"
	CodeBudgetExceeded       ErrorCode = "BUDGET_EXCEEDED"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeInternal             ErrorCode = "INTERNAL"
)

var codes = []struct {
	err  error
	code ErrorCode
}{
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrGameNotFound, CodeGameNotFound},
	{ErrEditionNotFound, CodeEditionNotFound},
	{ErrExpansionNotFound, CodeExpansionNotFound},
	{ErrHistoryNotFound, CodeHistoryNotFound},
	{ErrSourceNotFound, CodeSourceNotFound},
	{ErrRetrievalUnavailable, CodeRetrievalUnavailable},
	{ErrGenerationFailed, CodeGenerationError},
	{ErrBudgetExceeded, CodeBudgetExceeded},
	{ErrRateLimited, CodeRateLimited},
	{context.DeadlineExceeded, CodeTimeout},
}

// Code maps err to its ErrorCode. Unknown errors are INTERNAL.
func Code(err error) ErrorCode {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// HTTPStatus returns the HTTP status for c.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest, CodeExpansionNotFound:
		return http.StatusBadRequest
	case CodeGameNotFound, CodeEditionNotFound, CodeHistoryNotFound, CodeSourceNotFound:
		return http.StatusNotFound
	case CodeRetrievalUnavailable:
		return http.StatusServiceUnavailable
	case CodeGenerationError:
		return http.StatusBadGateway
	case CodeBudgetExceeded, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
