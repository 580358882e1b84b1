// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyst

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/athena"
	"github.com/aws/aws-sdk-go/service/athena/athenaiface"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/logging"
)

const (
	cloudTrailTable      = "cloudtrail_logs"
	defaultEventLimit    = 100
	maxEventLimit        = 1000
	defaultPollInterval  = 1 * time.Second
	defaultQueryDeadline = 2 * time.Minute
)

// eventNamePattern keeps the event name filter safe to interpolate into
// the query string. CloudTrail event names are plain API call names.
var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// CloudTrailQuerier runs bounded CloudTrail lookups through Athena.
type CloudTrailQuerier struct {
	client       athenaiface.AthenaAPI
	cfg          config.AthenaConfig
	logger       *logging.Logger
	pollInterval time.Duration
	deadline     time.Duration
}

// NewCloudTrailQuerier builds a querier against the configured Athena
// database. The profile selects shared credentials the same way the
// scanner does.
func NewCloudTrailQuerier(cfg config.AthenaConfig, profile string, logger *logging.Logger) (*CloudTrailQuerier, error) {
	if logger == nil {
		logger = logging.Default()
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           profile,
		SharedConfigState: session.SharedConfigEnable,
		Config: aws.Config{
			Region: aws.String(cfg.Region),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session for profile %q: %w", profile, err)
	}
	return &CloudTrailQuerier{
		client:       athena.New(sess),
		cfg:          cfg,
		logger:       logger,
		pollInterval: defaultPollInterval,
		deadline:     defaultQueryDeadline,
	}, nil
}

// QueryEvents returns recent CloudTrail events, optionally filtered by
// event name. limit is clamped to [1, 1000]; zero means the default.
func (q *CloudTrailQuerier) QueryEvents(ctx context.Context, eventName string, limit int) ([]map[string]string, error) {
	ctx, span := analystTracer.Start(ctx, "CloudTrailQuerier.QueryEvents")
	defer span.End()

	if eventName != "" && !eventNamePattern.MatchString(eventName) {
		return nil, fmt.Errorf("invalid event name %q (want letters and digits only)", eventName)
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	limit = min(limit, maxEventLimit)

	query := fmt.Sprintf(
		"SELECT eventtime, eventname, eventsource, useridentity.arn AS principal, awsregion, sourceipaddress FROM %s",
		cloudTrailTable)
	if eventName != "" {
		query += fmt.Sprintf(" WHERE eventname = '%s'", eventName)
	}
	query += fmt.Sprintf(" ORDER BY eventtime DESC LIMIT %d", limit)

	span.SetAttributes(
		attribute.String("athena.database", q.cfg.Database),
		attribute.String("athena.workgroup", q.cfg.Workgroup),
		attribute.Int("athena.limit", limit),
	)

	rows, err := q.run(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return rows, nil
}

// run executes one Athena query end to end: start, poll until a
// terminal state, then fetch the first page of results.
func (q *CloudTrailQuerier) run(ctx context.Context, query string) ([]map[string]string, error) {
	input := &athena.StartQueryExecutionInput{
		QueryString: aws.String(query),
		QueryExecutionContext: &athena.QueryExecutionContext{
			Database: aws.String(q.cfg.Database),
		},
		WorkGroup: aws.String(q.cfg.Workgroup),
	}
	if q.cfg.OutputLocation != "" {
		input.ResultConfiguration = &athena.ResultConfiguration{
			OutputLocation: aws.String(q.cfg.OutputLocation),
		}
	}

	started, err := q.client.StartQueryExecutionWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start Athena query: %w", err)
	}
	queryID := aws.StringValue(started.QueryExecutionId)
	q.logger.Debug("athena query started", "query_execution_id", queryID)

	if err := q.waitForCompletion(ctx, queryID); err != nil {
		return nil, err
	}

	results, err := q.client.GetQueryResultsWithContext(ctx, &athena.GetQueryResultsInput{
		QueryExecutionId: aws.String(queryID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Athena results: %w", err)
	}
	return flattenResultSet(results.ResultSet), nil
}

func (q *CloudTrailQuerier) waitForCompletion(ctx context.Context, queryID string) error {
	deadline := time.Now().Add(q.deadline)
	for {
		out, err := q.client.GetQueryExecutionWithContext(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(queryID),
		})
		if err != nil {
			return fmt.Errorf("failed to poll Athena query %s: %w", queryID, err)
		}
		status := out.QueryExecution.Status
		switch aws.StringValue(status.State) {
		case athena.QueryExecutionStateSucceeded:
			return nil
		case athena.QueryExecutionStateFailed:
			return fmt.Errorf("athena query failed: %s", aws.StringValue(status.StateChangeReason))
		case athena.QueryExecutionStateCancelled:
			return fmt.Errorf("athena query was cancelled")
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("athena query %s did not complete within %s", queryID, q.deadline)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// flattenResultSet turns Athena's row format into column-keyed maps.
// The first row echoes the column headers and is skipped.
func flattenResultSet(rs *athena.ResultSet) []map[string]string {
	if rs == nil || len(rs.Rows) == 0 {
		return []map[string]string{}
	}
	var columns []string
	if rs.ResultSetMetadata != nil {
		for _, ci := range rs.ResultSetMetadata.ColumnInfo {
			columns = append(columns, aws.StringValue(ci.Name))
		}
	}
	rows := make([]map[string]string, 0, len(rs.Rows)-1)
	for _, raw := range rs.Rows[1:] {
		row := make(map[string]string, len(columns))
		for i, datum := range raw.Data {
			if i >= len(columns) {
				break
			}
			row[columns[i]] = aws.StringValue(datum.VarCharValue)
		}
		rows = append(rows, row)
	}
	return rows
}
