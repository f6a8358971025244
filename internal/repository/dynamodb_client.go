package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"julian-relay/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client archives completed exchanges to a DynamoDB table. The archive is
// write-only; live history is kept in memory.
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

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(key domain.SessionKey) string {
	return "SESSION#" + string(key)
}

// turnSK orders turns by time, then by position within one exchange.
func turnSK(ts time.Time, seq int, role domain.Role) string {
	return fmt.Sprintf("%s%s#%02d#%s", skPrefixTurn, ts.UTC().Format(time.RFC3339Nano), seq, role)
}

func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// NewTranscriptEntry constructs the archived form of one turn.
func NewTranscriptEntry(key domain.SessionKey, requestID string, seq int, turn domain.Turn, now time.Time) domain.TranscriptEntry {
	now = now.UTC()
	return domain.TranscriptEntry{
		PK:        sessionPK(key),
		SK:        turnSK(now, seq, turn.Role),
		Session:   key,
		Role:      turn.Role,
		Text:      turn.Text,
		RequestID: requestID,
		CreatedAt: now,
		TTL:       ttlValue(now),
	}
}

// SaveExchange writes every turn of one exchange and refreshes the session
// metadata in a single transaction.
func (c *Client) SaveExchange(ctx context.Context, key domain.SessionKey, requestID string, turns []domain.Turn) error {
	if key == "" {
		return errors.New("repository: SaveExchange: session key is required")
	}
	if len(turns) == 0 {
		return nil
	}

	now := c.now()
	items := make([]types.TransactWriteItem, 0, len(turns)+1)
	for i, turn := range turns {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                entryItem(NewTranscriptEntry(key, requestID, i, turn, now)),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(c.tableName),
			Item:      metaItem(key, requestID, now),
		},
	})

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: SaveExchange: %w", err)
	}
	return nil
}

func entryItem(e domain.TranscriptEntry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: e.PK},
		"SK":        &types.AttributeValueMemberS{Value: e.SK},
		"session":   &types.AttributeValueMemberS{Value: string(e.Session)},
		"role":      &types.AttributeValueMemberS{Value: string(e.Role)},
		"text":      &types.AttributeValueMemberS{Value: e.Text},
		"requestId": &types.AttributeValueMemberS{Value: e.RequestID},
		"createdAt": &types.AttributeValueMemberS{Value: e.CreatedAt.Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", e.TTL)},
	}
}

func metaItem(key domain.SessionKey, requestID string, now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: sessionPK(key)},
		"SK":            &types.AttributeValueMemberS{Value: skMeta},
		"session":       &types.AttributeValueMemberS{Value: string(key)},
		"lastActivity":  &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
		"lastRequestId": &types.AttributeValueMemberS{Value: requestID},
		"ttl":           &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue(now))},
	}
}
