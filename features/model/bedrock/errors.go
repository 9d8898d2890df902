package bedrock

import (
	"errors"
	"fmt"
	"net/http"

	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
)

// isRateLimited reports whether err represents provider throttling: either an
// HTTP 429 response or a throttling error code.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}

// describe renders err with the provider error code and HTTP status when
// available.
func describe(operation string, err error) string {
	var (
		status int
		code   string
		msg    = err.Error()
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		if m := apiErr.ErrorMessage(); m != "" {
			msg = m
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	switch {
	case code != "" && status != 0:
		return fmt.Sprintf("bedrock %s: %s (%d): %s", operation, code, status, msg)
	case code != "":
		return fmt.Sprintf("bedrock %s: %s: %s", operation, code, msg)
	default:
		return fmt.Sprintf("bedrock %s: %s", operation, msg)
	}
}

// emitFailure reports a provider failure. Throttling produces a severe rate
// limit event before the error so the rate limit block is closed in error.
func emitFailure(provider, operation string, err error, emit func(event.Event) error) error {
	if isRateLimited(err) {
		if e := emit(event.RateLimit{ProviderID: provider, Severe: true}); e != nil {
			return e
		}
	}
	return emit(event.Error{Message: describe(operation, err)})
}
