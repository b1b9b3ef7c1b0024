// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otelopenai

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// APIError is returned when the server responds with a non-2xx status code.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("openai: unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("openai: %s (status code: %d)", e.Message, e.StatusCode)
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return apiErr
	}

	var body struct {
		Error *APIError `json:"error"`
	}
	err = json.Unmarshal(b, &body)
	if err != nil || body.Error == nil {
		return apiErr
	}

	body.Error.StatusCode = resp.StatusCode
	return body.Error
}

// errorType returns the value recorded under the error.type attribute.
func errorType(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Type != "" {
		return apiErr.Type
	}
	return fmt.Sprintf("%T", err)
}
