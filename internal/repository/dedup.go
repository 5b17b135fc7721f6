package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

func dedupSK(updateID int64) string {
	return dedupSKPrefix + strconv.FormatInt(updateID, 10)
}

// ClaimUpdate records updateID as seen. It returns false without error when a
// marker already exists, so check and mark happen in one conditional write.
func (c *Client) ClaimUpdate(ctx context.Context, updateID int64) (bool, error) {
	now := c.now()
	item := key(systemPK, dedupSK(updateID))
	item["ts"] = numAttr(now.Unix())
	item["ttl"] = numAttr(now.Add(c.dedupTTL).Unix())

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: ClaimUpdate: %w", err)
	}
	return true, nil
}
