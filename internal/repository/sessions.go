package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

// ListSessions returns every session of a user in sort-key order.
func (c *Client) ListSessions(ctx context.Context, userID int64) ([]domain.Session, error) {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     numAttr(userID),
			":prefix": &types.AttributeValueMemberS{Value: domain.SessionSKPrefix},
		},
		ConsistentRead: aws.Bool(true),
	})

	var sessions []domain.Session
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListSessions query: %w", err)
		}
		var batch []domain.Session
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("repository: ListSessions unmarshal: %w", err)
		}
		sessions = append(sessions, batch...)
	}
	return sessions, nil
}

// PutSession writes the full session item, replacing any previous version.
func (c *Client) PutSession(ctx context.Context, s domain.Session) error {
	if s.SK == "" {
		return errors.New("repository: PutSession: sort key is required")
	}
	if s.Conversation == nil {
		s.Conversation = []domain.Message{}
	}
	item, err := attributevalue.MarshalMap(s)
	if err != nil {
		return fmt.Errorf("repository: PutSession marshal: %w", err)
	}
	item["user_id"] = numAttr(s.UserID)

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutSession: %w", err)
	}
	return nil
}

// SetSessionActive flips the is_active flag of an existing session.
func (c *Client) SetSessionActive(ctx context.Context, userID int64, sk string, active bool) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(userID, sk),
		UpdateExpression: aws.String("SET is_active = :val"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":val": &types.AttributeValueMemberBOOL{Value: active},
		},
		// Never resurrect a session that was archived in the meantime.
		ConditionExpression: aws.String("attribute_exists(sk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("repository: SetSessionActive %s: %w", sk, ErrNotFound)
		}
		return fmt.Errorf("repository: SetSessionActive: %w", err)
	}
	return nil
}

// DeleteSession removes a session item.
func (c *Client) DeleteSession(ctx context.Context, userID int64, sk string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(userID, sk),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteSession: %w", err)
	}
	return nil
}
