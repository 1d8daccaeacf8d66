package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bidstack/operator/blob"
	"github.com/bidstack/operator/kv"
	"github.com/bidstack/operator/toolerrors"
)

const s3TextMaxBytes = 256 << 10

// RegisterStorage adds the raw table and object-store read tools plus
// presign helpers.
func RegisterStorage(r *Registry, store kv.Store, objects blob.Store) {
	r.MustRegister(Tool{
		Name:        "ddb_get_item",
		Description: "Read one row from the operator table by partition and sort key.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pk": {"type": "string", "minLength": 1},
				"sk": {"type": "string", "minLength": 1}
			},
			"required": ["pk", "sk"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return store.Get(ctx, argString(args, "pk"), argString(args, "sk"))
		},
	})

	r.MustRegister(Tool{
		Name:        "ddb_query_pk",
		Description: "Query rows in the operator table by partition key, optionally bounded by a sort-key prefix.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pk": {"type": "string", "minLength": 1},
				"skPrefix": {"type": "string"},
				"ascending": {"type": "boolean"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["pk"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			page, err := store.Query(ctx, kv.Query{
				PK:        argString(args, "pk"),
				SKPrefix:  argString(args, "skPrefix"),
				Ascending: argBool(args, "ascending"),
				Limit:     queryLimit(args),
			})
			if err != nil {
				return nil, err
			}
			return page.Items, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "ddb_query_gsi1",
		Description: "Query rows via the gsi1 index by index partition key, optionally bounded by an index sort-key prefix.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"gsi1pk": {"type": "string", "minLength": 1},
				"skPrefix": {"type": "string"},
				"ascending": {"type": "boolean"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["gsi1pk"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			page, err := store.Query(ctx, kv.Query{
				GSI1:      true,
				PK:        argString(args, "gsi1pk"),
				SKPrefix:  argString(args, "skPrefix"),
				Ascending: argBool(args, "ascending"),
				Limit:     queryLimit(args),
			})
			if err != nil {
				return nil, err
			}
			return page.Items, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "s3_list_objects",
		Description: "List objects under an allowlisted key prefix.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prefix": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 200}
			},
			"required": ["prefix"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			prefix := argString(args, "prefix")
			if err := blob.CheckKey(prefix); err != nil {
				return nil, toolerrors.NewKind(toolerrors.KindNotAllowed, err.Error())
			}
			return objects.List(ctx, prefix, argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "s3_get_object_text",
		Description: "Read an object as text, bounded to 256 KiB.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"key": {"type": "string", "minLength": 1}},
			"required": ["key"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			key := argString(args, "key")
			if err := blob.CheckKey(key); err != nil {
				return nil, toolerrors.NewKind(toolerrors.KindNotAllowed, err.Error())
			}
			data, err := objects.GetBytes(ctx, key, s3TextMaxBytes)
			if err != nil {
				return nil, err
			}
			return map[string]any{"key": key, "rawText": string(data)}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "s3_head_object",
		Description: "Return object metadata without reading its contents.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"key": {"type": "string", "minLength": 1}},
			"required": ["key"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			key := argString(args, "key")
			if err := blob.CheckKey(key); err != nil {
				return nil, toolerrors.NewKind(toolerrors.KindNotAllowed, err.Error())
			}
			return objects.Head(ctx, key)
		},
	})

	r.MustRegister(Tool{
		Name:        "s3_presign_get",
		Description: "Return a time-limited download URL for an object (at most 24 hours).",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "minLength": 1},
				"expiresSeconds": {"type": "integer", "minimum": 1}
			},
			"required": ["key"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			key := argString(args, "key")
			if err := blob.CheckKey(key); err != nil {
				return nil, toolerrors.NewKind(toolerrors.KindNotAllowed, err.Error())
			}
			expires := blob.ClampPresign(time.Duration(argInt(args, "expiresSeconds"))*time.Second, blob.MaxPresignGet)
			url, err := objects.PresignGet(ctx, key, expires)
			if err != nil {
				return nil, err
			}
			return map[string]any{"url": url, "expiresSeconds": int(expires.Seconds())}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "s3_presign_put",
		Description: "Return a time-limited upload URL for an object (at most 1 hour).",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "minLength": 1},
				"contentType": {"type": "string"},
				"expiresSeconds": {"type": "integer", "minimum": 1}
			},
			"required": ["key"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			key := argString(args, "key")
			if err := blob.CheckKey(key); err != nil {
				return nil, toolerrors.NewKind(toolerrors.KindNotAllowed, err.Error())
			}
			expires := blob.ClampPresign(time.Duration(argInt(args, "expiresSeconds"))*time.Second, blob.MaxPresignPut)
			url, err := objects.PresignPut(ctx, key, argString(args, "contentType"), expires)
			if err != nil {
				return nil, err
			}
			return map[string]any{"url": url, "expiresSeconds": int(expires.Seconds())}, nil
		},
		Write: true,
	})
}

func queryLimit(args map[string]any) int {
	n := argInt(args, "limit")
	if n <= 0 || n > 100 {
		n = 25
	}
	return n
}
