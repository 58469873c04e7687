package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// classifyKind maps a store fault onto the package taxonomy.
// conditionKind is the kind reported for a failed condition expression;
// it depends on the operation (create → ErrConflict, replace → ErrNotFound).
// A nil result means the fault is unclassified and must not be retried.
func classifyKind(err error, conditionKind ...error) error {
	var (
		condErr       *types.ConditionalCheckFailedException
		throughputErr *types.ProvisionedThroughputExceededException
		limitErr      *types.RequestLimitExceeded
		internalErr   *types.InternalServerError
		missingErr    *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &condErr):
		if len(conditionKind) > 0 {
			return conditionKind[0]
		}
		return nil
	case errors.As(err, &throughputErr), errors.As(err, &limitErr):
		return ErrThrottled
	case errors.As(err, &internalErr):
		return ErrUnavailable
	case errors.As(err, &missingErr):
		return ErrConfiguration
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "Throttling", "TooManyRequestsException", "LimitExceededException":
			return ErrThrottled
		case "ServiceUnavailable", "ServiceUnavailableException", "InternalFailure", "InternalServerError":
			return ErrUnavailable
		case "UnrecognizedClientException", "InvalidSignatureException", "AccessDeniedException",
			"MissingAuthenticationTokenException", "ValidationException":
			return ErrConfiguration
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 429:
			return ErrThrottled
		case code >= 500:
			return ErrUnavailable
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUnavailable
	}
	return nil
}

// do runs fn with a per-attempt timeout of Config.ConnectionTimeout and
// retries throttled or unavailable faults with exponential jitter backoff.
// Every other fault is returned immediately as an *OpError.
func do[T any](ctx context.Context, c *Client, op string, conditionKind error, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	backoff := retry.NewExponentialJitterBackoff(c.config.MaxBackoff)

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
		out, err := fn(callCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("%s: %w", op, ctxErr)
		}

		var kind error
		if conditionKind != nil {
			kind = classifyKind(err, conditionKind)
		} else {
			kind = classifyKind(err)
		}
		if (kind != ErrThrottled && kind != ErrUnavailable) || attempt >= c.config.MaxRetries {
			return zero, opError(op, kind, err)
		}

		delay, berr := backoff.BackoffDelay(attempt+1, err)
		if berr != nil {
			delay = c.config.MaxBackoff
		}
		c.logger.Debug("retrying transient store fault",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}
