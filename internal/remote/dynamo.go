package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

const (
	dynamoBatchLimit   = 25 // BatchWriteItem hard limit
	unprocessedRetries = 3
)

// DynamoAPI is the subset of the DynamoDB client used here.
type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoOptions configures NewDynamoClient.
type DynamoOptions struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	EventsTable     string
	CommandsTable   string
	StatusTable     string
	DeviceID        string
}

// DynamoClient stores events, commands and device status in DynamoDB tables.
//
// Events are keyed by (device_id, event_key) so a resent record overwrites
// itself. Commands are keyed by (device_id, command_id) and carry issued_at
// and consumed attributes. DynamoDB has no insert feed, so Subscribe is
// delegated to an optional push channel.
type DynamoClient struct {
	api     DynamoAPI
	opts    DynamoOptions
	push    *PushSubscriber
	backoff time.Duration
}

// NewDynamoClient builds a client from static credentials and an explicit
// endpoint.
func NewDynamoClient(ctx context.Context, opts DynamoOptions) (*DynamoClient, error) {
	if opts.Endpoint == "" {
		return nil, apperrors.New(apperrors.ErrConfiguration, "dynamodb endpoint is not set")
	}
	if opts.AccessKeyID == "" || opts.SecretAccessKey == "" {
		return nil, apperrors.New(apperrors.ErrConfiguration, "dynamodb credentials are not set")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, "failed to load aws config", err)
	}

	api := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(opts.Endpoint)
	})
	return NewDynamoClientWithAPI(api, opts), nil
}

// NewDynamoClientWithAPI wraps an existing DynamoAPI.
func NewDynamoClientWithAPI(api DynamoAPI, opts DynamoOptions) *DynamoClient {
	return &DynamoClient{api: api, opts: opts, backoff: 100 * time.Millisecond}
}

// WithPush attaches a push channel used by Subscribe.
func (c *DynamoClient) WithPush(p *PushSubscriber) *DynamoClient {
	c.push = p
	return c
}

func (c *DynamoClient) tableName(table string) (string, error) {
	switch table {
	case TableEvents:
		return c.opts.EventsTable, nil
	case TableCommands:
		return c.opts.CommandsTable, nil
	case TableDeviceStatus:
		return c.opts.StatusTable, nil
	}
	return "", apperrors.Newf(apperrors.ErrRemoteRejected, "unknown table %q", table)
}

// =====================================================
// Events
// =====================================================

// BulkWrite implements Client. Records are written in chunks of 25. A chunk
// refused as a whole for validation is retried row by row so that only the
// offending rows are rejected.
func (c *DynamoClient) BulkWrite(ctx context.Context, table string, records []*models.EventRecord) (AckSummary, error) {
	name, err := c.tableName(table)
	if err != nil {
		return AckSummary{}, err
	}
	if table != TableEvents {
		return AckSummary{}, apperrors.Newf(apperrors.ErrRemoteRejected, "bulk write not supported for %q", table)
	}

	summary := AckSummary{Rejected: make(map[int64]string)}

	for i := 0; i < len(records); i += dynamoBatchLimit {
		end := i + dynamoBatchLimit
		if end > len(records) {
			end = len(records)
		}
		chunk := records[i:end]

		requests := make([]types.WriteRequest, 0, len(chunk))
		byKey := make(map[string]int64, len(chunk))
		for _, rec := range chunk {
			row := rec.ToRemote()
			item, err := attributevalue.MarshalMap(row)
			if err != nil {
				summary.Rejected[rec.ID] = fmt.Sprintf("marshal: %v", err)
				continue
			}
			byKey[row.EventKey] = rec.ID
			requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}
		if len(requests) == 0 {
			continue
		}

		err := c.writeChunk(ctx, name, requests)
		if err == nil {
			for _, id := range byKey {
				summary.Acked = append(summary.Acked, id)
			}
			continue
		}
		if !apperrors.Is(err, apperrors.ErrRemoteRejected) {
			return AckSummary{}, err
		}

		if len(requests) == 1 {
			for _, id := range byKey {
				summary.Rejected[id] = err.Error()
			}
			continue
		}
		if err := c.isolate(ctx, name, requests, byKey, &summary); err != nil {
			return AckSummary{}, err
		}
	}

	sortIDs(summary.Acked)
	return summary, nil
}

// writeChunk sends one BatchWriteItem and resends UnprocessedItems with a
// short exponential backoff.
func (c *DynamoClient) writeChunk(ctx context.Context, table string, requests []types.WriteRequest) error {
	pending := requests

	for attempt := 0; attempt <= unprocessedRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<uint(attempt-1)) * c.backoff
			select {
			case <-ctx.Done():
				return apperrors.Wrap(apperrors.ErrRemoteUnavailable, "bulk write canceled", ctx.Err())
			case <-time.After(wait):
			}
		}

		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{table: pending},
		})
		if err != nil {
			return classify("batch write", err)
		}

		unprocessed := out.UnprocessedItems[table]
		if len(unprocessed) == 0 {
			return nil
		}
		pending = unprocessed
	}

	return apperrors.Newf(apperrors.ErrRemoteQuota,
		"batch write: %d items still unprocessed after %d retries", len(pending), unprocessedRetries)
}

func (c *DynamoClient) isolate(ctx context.Context, table string, requests []types.WriteRequest, byKey map[string]int64, summary *AckSummary) error {
	for _, req := range requests {
		item := req.PutRequest.Item
		key := ""
		if v, ok := item["event_key"].(*types.AttributeValueMemberS); ok {
			key = v.Value
		}
		id := byKey[key]

		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(table),
			Item:      item,
		})
		if err == nil {
			summary.Acked = append(summary.Acked, id)
			continue
		}
		err = classify("put item", err)
		if !apperrors.Is(err, apperrors.ErrRemoteRejected) {
			return err
		}
		summary.Rejected[id] = err.Error()
	}
	return nil
}

// =====================================================
// Query
// =====================================================

// Query implements Client. Pages are followed until Limit rows are
// collected or the table is exhausted.
func (c *DynamoClient) Query(ctx context.Context, table string, f Filter) ([]map[string]interface{}, error) {
	name, err := c.tableName(table)
	if err != nil {
		return nil, err
	}
	deviceID := f.DeviceID
	if deviceID == "" {
		deviceID = c.opts.DeviceID
	}

	in := &dynamodb.QueryInput{
		TableName:        aws.String(name),
		ScanIndexForward: aws.Bool(!f.Descending),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberS{Value: deviceID},
		},
	}
	key := "device_id = :d"
	var filters []string

	switch table {
	case TableEvents:
		if f.Category != "" {
			key += " AND begins_with(event_key, :c)"
			in.ExpressionAttributeValues[":c"] = &types.AttributeValueMemberS{Value: string(f.Category) + "#"}
		}
		filters = appendRange(filters, in, "created_at", f)
	case TableCommands:
		filters = appendRange(filters, in, "issued_at", f)
		if f.Consumed != nil {
			filters = append(filters, "consumed = :consumed")
			in.ExpressionAttributeValues[":consumed"] = &types.AttributeValueMemberBOOL{Value: *f.Consumed}
		}
	}
	in.KeyConditionExpression = aws.String(key)
	if len(filters) > 0 {
		in.FilterExpression = aws.String(strings.Join(filters, " AND "))
	}

	var out []map[string]interface{}
	for {
		page, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, classify("query", err)
		}
		var rows []map[string]interface{}
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRemoteRejected, "failed to decode query result", err)
		}
		out = append(out, rows...)

		if f.Limit > 0 && len(out) >= f.Limit {
			return out[:f.Limit], nil
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func appendRange(filters []string, in *dynamodb.QueryInput, attr string, f Filter) []string {
	if f.Since > 0 {
		filters = append(filters, attr+" >= :since")
		in.ExpressionAttributeValues[":since"] = &types.AttributeValueMemberN{Value: fmt.Sprint(f.Since)}
	}
	if f.Until > 0 {
		filters = append(filters, attr+" < :until")
		in.ExpressionAttributeValues[":until"] = &types.AttributeValueMemberN{Value: fmt.Sprint(f.Until)}
	}
	return filters
}

// =====================================================
// Commands and status
// =====================================================

// Subscribe implements Client through the attached push channel.
func (c *DynamoClient) Subscribe(ctx context.Context, table string, onConnected func(), onInsert func(models.RemoteCommand)) error {
	if c.push == nil {
		return apperrors.New(apperrors.ErrRemoteUnavailable, "no push channel configured")
	}
	return c.push.Subscribe(ctx, table, onConnected, onInsert)
}

// MarkConsumed implements Client.
func (c *DynamoClient) MarkConsumed(ctx context.Context, commandID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.opts.CommandsTable),
		Key: map[string]types.AttributeValue{
			"device_id":  &types.AttributeValueMemberS{Value: c.opts.DeviceID},
			"command_id": &types.AttributeValueMemberS{Value: commandID},
		},
		ConditionExpression: aws.String("attribute_exists(command_id)"),
		UpdateExpression:    aws.String("SET consumed = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		return classify("mark consumed", err)
	}
	return nil
}

// UpsertDeviceStatus implements Client. The write is conditional on
// last_heartbeat_at never moving backwards; a stale status is dropped.
func (c *DynamoClient) UpsertDeviceStatus(ctx context.Context, s *models.DeviceStatus) error {
	values := map[string]types.AttributeValue{
		":hb":      &types.AttributeValueMemberN{Value: fmt.Sprint(s.LastHeartbeatAt)},
		":fw":      &types.AttributeValueMemberS{Value: s.FirmwareVersion},
		":cv":      &types.AttributeValueMemberS{Value: s.ConfigVersion},
		":conn":    &types.AttributeValueMemberS{Value: string(s.Connectivity)},
		":qd":      &types.AttributeValueMemberN{Value: fmt.Sprint(s.QueueDepth)},
		":updated": &types.AttributeValueMemberN{Value: fmt.Sprint(s.UpdatedAt)},
	}
	update := "SET last_heartbeat_at = :hb, firmware_version = :fw, config_version = :cv, " +
		"connectivity = :conn, queue_depth = :qd, updated_at = :updated"
	if s.BatteryPercent != nil {
		update += ", battery_percent = :bat"
		values[":bat"] = &types.AttributeValueMemberN{Value: fmt.Sprint(*s.BatteryPercent)}
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.opts.StatusTable),
		Key: map[string]types.AttributeValue{
			"device_id": &types.AttributeValueMemberS{Value: s.DeviceID},
		},
		ConditionExpression:       aws.String("attribute_not_exists(last_heartbeat_at) OR last_heartbeat_at <= :hb"),
		UpdateExpression:          aws.String(update),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return classify("update device status", err)
	}
	return nil
}

// =====================================================
// Error classification
// =====================================================

var (
	quotaCodes = map[string]bool{
		"ProvisionedThroughputExceededException": true,
		"ThrottlingException":                    true,
		"RequestLimitExceeded":                   true,
	}
	authCodes = map[string]bool{
		"UnrecognizedClientException":         true,
		"AccessDeniedException":               true,
		"InvalidSignatureException":           true,
		"ExpiredTokenException":               true,
		"MissingAuthenticationTokenException": true,
	}
	rejectCodes = map[string]bool{
		"ValidationException":                      true,
		"ItemCollectionSizeLimitExceededException": true,
		"ConditionalCheckFailedException":          true,
	}
)

// classify maps an AWS error onto the remote error codes. Anything that is
// not a recognised refusal is reported as unavailable.
func classify(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		switch {
		case rejectCodes[code]:
			return apperrors.Wrap(apperrors.ErrRemoteRejected, op+": "+ae.ErrorMessage(), err)
		case quotaCodes[code]:
			return apperrors.Wrap(apperrors.ErrRemoteQuota, op+" throttled", err)
		case authCodes[code]:
			return apperrors.Wrap(apperrors.ErrRemoteAuthFailed, op+" not authorized", err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperrors.Wrap(apperrors.ErrRemoteUnavailable, op+" network error", err)
	}
	return apperrors.Wrap(apperrors.ErrRemoteUnavailable, op+" failed", err)
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
