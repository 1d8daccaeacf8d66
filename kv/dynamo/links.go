package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bidstack/operator/kv"
)

// LinkStore implements kv.LinkStore on the small TTL-enabled side table.
type LinkStore struct {
	api   API
	table string
}

// NewLinkStore builds the magic-link store.
func NewLinkStore(client API, table string) (*LinkStore, error) {
	if client == nil {
		return nil, errors.New("dynamo: client is required")
	}
	if table == "" {
		return nil, errors.New("dynamo: link table name is required")
	}
	return &LinkStore{api: client, table: table}, nil
}

// PutLink stores a payload under a token hash with a TTL epoch.
func (s *LinkStore) PutLink(ctx context.Context, tokenHash string, payload kv.Item, ttlSeconds int64) error {
	item := kv.Item{}
	for k, v := range payload {
		item[k] = v
	}
	item["pk"] = "LINK#" + tokenHash
	item["sk"] = "PROFILE"
	item["expiresAt"] = time.Now().Unix() + ttlSeconds
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("dynamo: encode link: %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av}); err != nil {
		return fmt.Errorf("dynamo: put link: %w", err)
	}
	return nil
}

// ConsumeLink deletes the entry and returns its prior contents. The
// conditional delete guarantees exactly one concurrent consumer wins.
func (s *LinkStore) ConsumeLink(ctx context.Context, tokenHash string) (kv.Item, error) {
	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyAttrs("LINK#"+tokenHash, "PROFILE"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ReturnValues:        ddbtypes.ReturnValueAllOld,
	})
	if err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("dynamo: consume link: %w", err)
	}
	var item map[string]any
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("dynamo: decode link: %w", err)
	}
	if exp, ok := item["expiresAt"].(float64); ok && int64(exp) < time.Now().Unix() {
		// TTL sweep had not caught up yet; treat as expired.
		return nil, kv.ErrNotFound
	}
	return item, nil
}
