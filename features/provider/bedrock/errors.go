package bedrock

import (
	"errors"
	"net/http"

	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/loomkit/loom/kernel/fault"
)

// classifyError translates AWS SDK failures into kernel fault kinds: throttled
// and 5xx responses are provider errors the session retry helpers may retry,
// bad requests and auth failures are not.
func classifyError(operation string, err error) error {
	if err == nil {
		return nil
	}

	status := 0
	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	switch {
	case isThrottled(code, status):
		return fault.Wrap(fault.KindProvider, err, "bedrock %s: throttled", operation)
	case status == http.StatusBadRequest:
		return fault.Wrap(fault.KindValidation, err, "bedrock %s: invalid request", operation)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Wrap(fault.KindUsage, err, "bedrock %s: authorization failed", operation)
	case status >= http.StatusInternalServerError:
		return fault.Wrap(fault.KindProvider, err, "bedrock %s: service unavailable", operation)
	default:
		return fault.Wrap(fault.KindProvider, err, "bedrock %s", operation)
	}
}

func isThrottled(code string, status int) bool {
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		return true
	}
	return status == http.StatusTooManyRequests
}
