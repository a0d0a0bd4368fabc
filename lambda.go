package gdwatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
)

func isLambda() bool {
	if strings.HasPrefix(os.Getenv("AWS_EXECUTION_ENV"), "AWS_Lambda") || os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return true
	}
	return false
}

// PollHandlerFunc handles a scheduled invocation with one poll cycle.
type PollHandlerFunc func(context.Context, json.RawMessage) (any, error)

func NewPollHandler(p *Poller) PollHandlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		if lc, ok := lambdacontext.FromContext(ctx); ok {
			slog.InfoContext(ctx, "handle poll invocation", "request_id", lc.AwsRequestID, "file_id", p.target)
		}
		if err := p.RunOnce(ctx); err != nil {
			slog.ErrorContext(ctx, "poll failed", "file_id", p.target, "error", err)
			return nil, err
		}
		return map[string]any{
			"Status": 200,
		}, nil
	}
}

func startLambdaHandler(ctx context.Context, p *Poller) error {
	slog.InfoContext(ctx, "run as lambda poll handler", "file_id", p.target)
	lambda.StartWithOptions(NewPollHandler(p), lambda.WithContext(ctx))
	return nil
}
