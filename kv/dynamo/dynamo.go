// Package dynamo implements kv.Store on a single DynamoDB table with one
// global secondary index named "gsi1".
package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bidstack/operator/kv"
)

// API captures the subset of the DynamoDB client the store uses. Satisfied by
// *dynamodb.Client; tests substitute a fake.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store implements kv.Store.
type Store struct {
	api   API
	table string
}

// Options configures the store.
type Options struct {
	// Client is the DynamoDB API client.
	Client API
	// Table is the single-table name.
	Table string
}

// New builds a DynamoDB-backed store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("dynamo: client is required")
	}
	if opts.Table == "" {
		return nil, errors.New("dynamo: table name is required")
	}
	return &Store{api: opts.Client, table: opts.Table}, nil
}

// Get reads the row at (pk, sk).
func (s *Store) Get(ctx context.Context, pk, sk string) (kv.Item, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyAttrs(pk, sk),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get %s/%s: %w", pk, sk, err)
	}
	if len(out.Item) == 0 {
		return nil, kv.ErrNotFound
	}
	var item map[string]any
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("dynamo: decode %s/%s: %w", pk, sk, err)
	}
	return item, nil
}

// Put writes a row, optionally conditioned on vacancy.
func (s *Store) Put(ctx context.Context, p kv.Put) error {
	av, err := attributevalue.MarshalMap(p.Item)
	if err != nil {
		return fmt.Errorf("dynamo: encode item: %w", err)
	}
	in := &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av}
	if p.IfNotExists {
		in.ConditionExpression = aws.String("attribute_not_exists(pk)")
	}
	if _, err := s.api.PutItem(ctx, in); err != nil {
		return mapConditional(err, "dynamo: put")
	}
	return nil
}

// Update applies expression mutations to a row.
func (s *Store) Update(ctx context.Context, u kv.Update) error {
	expr, err := buildUpdate(u)
	if err != nil {
		return err
	}
	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAttrs(u.PK, u.SK),
		UpdateExpression:          aws.String(expr.update),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.values,
	}
	if expr.condition != "" {
		in.ConditionExpression = aws.String(expr.condition)
	}
	if _, err := s.api.UpdateItem(ctx, in); err != nil {
		mapped := mapConditional(err, "dynamo: update")
		if errors.Is(mapped, kv.ErrConflict) && u.IfExists && len(u.IfEquals) == 0 {
			return kv.ErrNotFound
		}
		return mapped
	}
	return nil
}

// Query reads a page from the primary or secondary index.
func (s *Store) Query(ctx context.Context, q kv.Query) (kv.Page, error) {
	pkName, skName := "pk", "sk"
	in := &dynamodb.QueryInput{
		TableName:        aws.String(s.table),
		ScanIndexForward: aws.Bool(q.Ascending),
	}
	if q.GSI1 {
		in.IndexName = aws.String("gsi1")
		pkName, skName = "gsi1pk", "gsi1sk"
	}
	names := map[string]string{"#pk": pkName}
	values := map[string]ddbtypes.AttributeValue{":pk": &ddbtypes.AttributeValueMemberS{Value: q.PK}}
	cond := "#pk = :pk"
	if q.SKPrefix != "" {
		names["#sk"] = skName
		values[":skp"] = &ddbtypes.AttributeValueMemberS{Value: q.SKPrefix}
		cond += " AND begins_with(#sk, :skp)"
	}
	in.KeyConditionExpression = aws.String(cond)
	in.ExpressionAttributeNames = names
	in.ExpressionAttributeValues = values
	if q.Limit > 0 {
		in.Limit = aws.Int32(int32(q.Limit))
	}
	if q.Cursor != "" {
		start, err := decodeCursor(q.Cursor)
		if err != nil {
			return kv.Page{}, err
		}
		in.ExclusiveStartKey = start
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return kv.Page{}, fmt.Errorf("dynamo: query %s: %w", q.PK, err)
	}
	page := kv.Page{Items: make([]kv.Item, 0, len(out.Items))}
	for _, raw := range out.Items {
		var item map[string]any
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return kv.Page{}, fmt.Errorf("dynamo: decode query item: %w", err)
		}
		page.Items = append(page.Items, item)
	}
	if len(out.LastEvaluatedKey) > 0 {
		cursor, err := encodeCursor(out.LastEvaluatedKey)
		if err != nil {
			return kv.Page{}, err
		}
		page.NextCursor = cursor
	}
	return page, nil
}

// Delete removes the row at (pk, sk).
func (s *Store) Delete(ctx context.Context, pk, sk string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyAttrs(pk, sk),
	})
	if err != nil {
		return fmt.Errorf("dynamo: delete %s/%s: %w", pk, sk, err)
	}
	return nil
}

// Transact applies all operations or none.
func (s *Store) Transact(ctx context.Context, ops ...kv.TransactOp) error {
	items := make([]ddbtypes.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		switch {
		case op.Put != nil:
			av, err := attributevalue.MarshalMap(op.Put.Item)
			if err != nil {
				return fmt.Errorf("dynamo: encode transact put: %w", err)
			}
			put := &ddbtypes.Put{TableName: aws.String(s.table), Item: av}
			if op.Put.IfNotExists {
				put.ConditionExpression = aws.String("attribute_not_exists(pk)")
			}
			items = append(items, ddbtypes.TransactWriteItem{Put: put})
		case op.Update != nil:
			expr, err := buildUpdate(*op.Update)
			if err != nil {
				return err
			}
			upd := &ddbtypes.Update{
				TableName:                 aws.String(s.table),
				Key:                       keyAttrs(op.Update.PK, op.Update.SK),
				UpdateExpression:          aws.String(expr.update),
				ExpressionAttributeNames:  expr.names,
				ExpressionAttributeValues: expr.values,
			}
			if expr.condition != "" {
				upd.ConditionExpression = aws.String(expr.condition)
			}
			items = append(items, ddbtypes.TransactWriteItem{Update: upd})
		default:
			return errors.New("dynamo: empty transact op")
		}
	}
	if _, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		var canceled *ddbtypes.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					return kv.ErrConflict
				}
			}
		}
		return fmt.Errorf("dynamo: transact: %w", err)
	}
	return nil
}

type updateExpr struct {
	update    string
	condition string
	names     map[string]string
	values    map[string]ddbtypes.AttributeValue
}

func buildUpdate(u kv.Update) (updateExpr, error) {
	if len(u.Set) == 0 && len(u.Add) == 0 && len(u.AppendList) == 0 {
		return updateExpr{}, errors.New("dynamo: update requires at least one mutation")
	}
	expr := updateExpr{
		names:  map[string]string{},
		values: map[string]ddbtypes.AttributeValue{},
	}
	n := 0
	name := func(attr string) string {
		n++
		ph := fmt.Sprintf("#n%d", n)
		expr.names[ph] = attr
		return ph
	}
	value := func(v any) (string, error) {
		n++
		ph := fmt.Sprintf(":v%d", n)
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("dynamo: encode update value: %w", err)
		}
		expr.values[ph] = av
		return ph, nil
	}

	var sets []string
	for _, attr := range sortedKeys(u.Set) {
		ph, err := value(u.Set[attr])
		if err != nil {
			return updateExpr{}, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", name(attr), ph))
	}
	for _, attr := range sortedKeys(u.AppendList) {
		ph, err := value(u.AppendList[attr])
		if err != nil {
			return updateExpr{}, err
		}
		nm := name(attr)
		empty, err := value([]any{})
		if err != nil {
			return updateExpr{}, err
		}
		sets = append(sets, fmt.Sprintf("%s = list_append(if_not_exists(%s, %s), %s)", nm, nm, empty, ph))
	}
	if len(sets) > 0 {
		expr.update = "SET " + join(sets)
	}
	var adds []string
	for _, attr := range sortedKeys(u.Add) {
		ph, err := value(u.Add[attr])
		if err != nil {
			return updateExpr{}, err
		}
		adds = append(adds, fmt.Sprintf("%s %s", name(attr), ph))
	}
	if len(adds) > 0 {
		if expr.update != "" {
			expr.update += " "
		}
		expr.update += "ADD " + join(adds)
	}

	var conds []string
	if u.IfExists {
		conds = append(conds, "attribute_exists(pk)")
	}
	for _, attr := range sortedKeys(u.IfEquals) {
		ph, err := value(u.IfEquals[attr])
		if err != nil {
			return updateExpr{}, err
		}
		conds = append(conds, fmt.Sprintf("%s = %s", name(attr), ph))
	}
	if len(conds) > 0 {
		expr.condition = joinWith(conds, " AND ")
	}
	return expr, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func join(parts []string) string { return joinWith(parts, ", ") }

func joinWith(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

func keyAttrs(pk, sk string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"pk": &ddbtypes.AttributeValueMemberS{Value: pk},
		"sk": &ddbtypes.AttributeValueMemberS{Value: sk},
	}
}

func mapConditional(err error, prefix string) error {
	var cond *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &cond) {
		return kv.ErrConflict
	}
	return fmt.Errorf("%s: %w", prefix, err)
}

func encodeCursor(key map[string]ddbtypes.AttributeValue) (string, error) {
	var plain map[string]any
	if err := attributevalue.UnmarshalMap(key, &plain); err != nil {
		return "", fmt.Errorf("dynamo: encode cursor: %w", err)
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("dynamo: encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]ddbtypes.AttributeValue, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("dynamo: decode cursor: %w", err)
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("dynamo: decode cursor: %w", err)
	}
	av, err := attributevalue.MarshalMap(plain)
	if err != nil {
		return nil, fmt.Errorf("dynamo: decode cursor: %w", err)
	}
	return av, nil
}
