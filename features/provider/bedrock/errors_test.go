package bedrock

import (
	"errors"
	"net/http"
	"testing"

	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/require"

	"github.com/loomkit/loom/kernel/fault"
)

func responseError(status int, cause error) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      cause,
	}
}

func TestClassifyErrorThrottling(t *testing.T) {
	err := classifyError("converse stream", &smithy.GenericAPIError{
		Code:    "ThrottlingException",
		Message: "slow down",
	})
	require.Equal(t, fault.KindProvider, fault.KindOf(err))
	require.Contains(t, err.Error(), "throttled")

	err = classifyError("converse stream", responseError(http.StatusTooManyRequests, errors.New("429")))
	require.Equal(t, fault.KindProvider, fault.KindOf(err))
	require.Contains(t, err.Error(), "throttled")
}

func TestClassifyErrorStatuses(t *testing.T) {
	err := classifyError("converse stream", responseError(http.StatusBadRequest, errors.New("bad")))
	require.Equal(t, fault.KindValidation, fault.KindOf(err))

	err = classifyError("converse stream", responseError(http.StatusForbidden, errors.New("no")))
	require.Equal(t, fault.KindUsage, fault.KindOf(err))

	err = classifyError("converse stream", responseError(http.StatusServiceUnavailable, errors.New("down")))
	require.Equal(t, fault.KindProvider, fault.KindOf(err))

	cause := errors.New("dial timeout")
	err = classifyError("converse stream", cause)
	require.Equal(t, fault.KindProvider, fault.KindOf(err))
	require.ErrorIs(t, err, cause)
}

func TestClassifyErrorNil(t *testing.T) {
	require.NoError(t, classifyError("converse stream", nil))
}
