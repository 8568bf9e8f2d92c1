package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"line-assistant-relay/internal/domain"
)

const (
	skClaim          = "CLAIM#"
	skPrefixExchange = "EXCHANGE#"
	statusClaimed    = "claimed"
	ttlDuration      = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding event claims and exchange records.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// eventPK returns the partition key for a webhook event. Events without an id
// get a random key so that their records never collide.
func eventPK(eventID string) string {
	if strings.TrimSpace(eventID) == "" {
		eventID = "anon-" + uuid.NewString()
	}
	return "EVENT#" + eventID
}

// exchangeSK returns the sort key for an exchange record.
func exchangeSK(ts time.Time) string {
	return skPrefixExchange + ts.UTC().Format(time.RFC3339Nano)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// ClaimEvent records that eventID is being handled. It returns false, without
// error, when the event was already claimed by an earlier delivery.
func (c *Client) ClaimEvent(ctx context.Context, eventID string) (bool, error) {
	if strings.TrimSpace(eventID) == "" {
		return false, errors.New("repository: ClaimEvent: event id is required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: eventPK(eventID)},
			"SK":        &types.AttributeValueMemberS{Value: skClaim},
			"status":    &types.AttributeValueMemberS{Value: statusClaimed},
			"claimedAt": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
			"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("repository: ClaimEvent: %w", err)
	}
	return true, nil
}

// SaveExchange writes the exchange record and marks the claim with the final
// outcome in one transaction.
func (c *Client) SaveExchange(ctx context.Context, ex domain.Exchange) error {
	ex = c.completeExchange(ex)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                exchangeItem(ex),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item: map[string]types.AttributeValue{
						"PK":        &types.AttributeValueMemberS{Value: ex.PK},
						"SK":        &types.AttributeValueMemberS{Value: skClaim},
						"status":    &types.AttributeValueMemberS{Value: ex.Outcome},
						"claimedAt": &types.AttributeValueMemberS{Value: ex.CreatedAt},
						"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ex.TTL, 10)},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveExchange: %w", err)
	}
	return nil
}

// GetClaimStatus returns the claim status for eventID, or "" if unclaimed.
func (c *Client) GetClaimStatus(ctx context.Context, eventID string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: eventPK(eventID)},
			"SK": &types.AttributeValueMemberS{Value: skClaim},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("repository: GetClaimStatus get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", nil
	}
	status, err := strAttr(out.Item, "status")
	if err != nil {
		return "", fmt.Errorf("repository: GetClaimStatus decode status: %w", err)
	}
	return status, nil
}

func (c *Client) completeExchange(ex domain.Exchange) domain.Exchange {
	now := c.now().UTC()
	if ex.PK == "" {
		ex.PK = eventPK(ex.EventID)
	}
	if ex.SK == "" {
		ex.SK = exchangeSK(now)
	}
	if ex.CreatedAt == "" {
		ex.CreatedAt = now.Format(time.RFC3339)
	}
	if ex.TTL == 0 {
		ex.TTL = c.ttlValue()
	}
	return ex
}

func exchangeItem(ex domain.Exchange) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: ex.PK},
		"SK":        &types.AttributeValueMemberS{Value: ex.SK},
		"eventId":   &types.AttributeValueMemberS{Value: ex.EventID},
		"userId":    &types.AttributeValueMemberS{Value: ex.UserID},
		"question":  &types.AttributeValueMemberS{Value: ex.Question},
		"reply":     &types.AttributeValueMemberS{Value: ex.Reply},
		"outcome":   &types.AttributeValueMemberS{Value: ex.Outcome},
		"threadId":  &types.AttributeValueMemberS{Value: ex.ThreadID},
		"runId":     &types.AttributeValueMemberS{Value: ex.RunID},
		"pollCount": &types.AttributeValueMemberN{Value: strconv.Itoa(ex.PollCount)},
		"createdAt": &types.AttributeValueMemberS{Value: ex.CreatedAt},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ex.TTL, 10)},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
