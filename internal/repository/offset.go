package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// GetOffset returns the next update id to request, or 0 if none was saved.
func (c *Client) GetOffset(ctx context.Context) (int64, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(systemPK, offsetSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: GetOffset get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}

	offset, err := int64Attr(out.Item, "last_offset")
	if err != nil {
		return 0, fmt.Errorf("repository: GetOffset decode offset: %w", err)
	}
	return offset, nil
}

// SaveOffset records next as the first update id not yet acknowledged.
func (c *Client) SaveOffset(ctx context.Context, next int64) error {
	item := key(systemPK, offsetSK)
	item["last_offset"] = numAttr(next)
	item["last_updated_ts"] = numAttr(c.now().Unix())

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: SaveOffset: %w", err)
	}
	return nil
}
