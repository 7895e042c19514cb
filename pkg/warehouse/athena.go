package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/retry"
	"github.com/sirupsen/logrus"
)

// Executor runs a SQL statement and returns its result set. Satisfied by
// the Athena client; tests substitute a fake.
type Executor interface {
	Execute(ctx context.Context, sql string) (*ResultSet, error)
}

// ResultSet holds the rows of one query execution.
type ResultSet struct {
	Columns []string
	Rows    [][]string
}

// athenaAPI is the subset of the Athena SDK the client uses.
type athenaAPI interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

// Client executes queries against an Athena workgroup.
type Client struct {
	log logrus.FieldLogger
	cfg *config.WarehouseConfig
	api athenaAPI
}

// Ensure interface compliance.
var _ Executor = (*Client)(nil)

// NewClient creates an Athena-backed executor from the configuration.
func NewClient(log logrus.FieldLogger, cfg *config.WarehouseConfig) *Client {
	opts := []func(*athena.Options){
		func(o *athena.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "eu-west-1"
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &Client{
		log: log.WithField("component", "warehouse"),
		cfg: cfg,
		api: athena.New(athena.Options{}, opts...),
	}
}

// Execute starts the query, polls until it reaches a terminal state and
// fetches the full result set. Failures are classified so the retry layer
// can tell a throttled query from a broken one.
func (c *Client) Execute(ctx context.Context, sql string) (*ResultSet, error) {
	start, err := c.api.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString: aws.String(sql),
		WorkGroup:   optionalString(c.cfg.Workgroup),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(c.cfg.Database),
		},
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(c.cfg.OutputLocation),
		},
	})
	if err != nil {
		return nil, classifyStartError(err)
	}

	executionID := aws.ToString(start.QueryExecutionId)

	c.log.WithField("execution_id", executionID).Debug("Query started")

	if err := c.waitForCompletion(ctx, executionID); err != nil {
		return nil, err
	}

	return c.fetchResults(ctx, executionID)
}

// waitForCompletion polls the execution until it succeeds or fails.
func (c *Client) waitForCompletion(ctx context.Context, executionID string) error {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}

	for {
		out, err := c.api.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(executionID),
		})
		if err != nil {
			return fmt.Errorf("polling query %s: %w", executionID, err)
		}

		status := out.QueryExecution.Status

		switch status.State {
		case athenatypes.QueryExecutionStateSucceeded:
			return nil
		case athenatypes.QueryExecutionStateFailed:
			return classifyExecutionFailure(executionID, status)
		case athenatypes.QueryExecutionStateCancelled:
			return fmt.Errorf("query %s was cancelled", executionID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// fetchResults pages through the result set. The first row Athena returns
// is the header row.
func (c *Client) fetchResults(ctx context.Context, executionID string) (*ResultSet, error) {
	rs := &ResultSet{}

	var nextToken *string

	first := true

	for {
		out, err := c.api.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(executionID),
			NextToken:        nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("fetching results for %s: %w", executionID, err)
		}

		for _, row := range out.ResultSet.Rows {
			values := make([]string, len(row.Data))
			for i, datum := range row.Data {
				values[i] = aws.ToString(datum.VarCharValue)
			}

			if first {
				rs.Columns = values
				first = false

				continue
			}

			rs.Rows = append(rs.Rows, values)
		}

		nextToken = out.NextToken
		if nextToken == nil {
			break
		}
	}

	return rs, nil
}

// classifyStartError maps StartQueryExecution errors onto the retry
// taxonomy. Malformed queries will never succeed; throttling will.
func classifyStartError(err error) error {
	var invalid *athenatypes.InvalidRequestException
	if errors.As(err, &invalid) {
		return retry.Permanent(fmt.Errorf("starting query: %w", err))
	}

	var tooMany *athenatypes.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return retry.Transient(fmt.Errorf("starting query: %w", err))
	}

	return fmt.Errorf("starting query: %w", err)
}

// classifyExecutionFailure maps a FAILED execution status onto the retry
// taxonomy using Athena's own retryability signal where present.
func classifyExecutionFailure(executionID string, status *athenatypes.QueryExecutionStatus) error {
	reason := aws.ToString(status.StateChangeReason)
	err := fmt.Errorf("query %s failed: %s", executionID, reason)

	if ae := status.AthenaError; ae != nil {
		if ae.Retryable {
			return retry.Transient(err)
		}

		return retry.Permanent(err)
	}

	// Without structured error info, fall back on the reason text.
	lowered := strings.ToLower(reason)
	for _, marker := range []string{"syntax", "column", "table", "not found", "mismatched"} {
		if strings.Contains(lowered, marker) {
			return retry.Permanent(err)
		}
	}

	return retry.Transient(err)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}

	return aws.String(s)
}
