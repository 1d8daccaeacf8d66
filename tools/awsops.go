package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwl "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/bidstack/operator/secrets"
)

type (
	// ECSAPI captures the ECS client surface used by the runtime tools.
	ECSAPI interface {
		DescribeServices(ctx context.Context, in *ecs.DescribeServicesInput, opts ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
		ListTasks(ctx context.Context, in *ecs.ListTasksInput, opts ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
		DescribeTaskDefinition(ctx context.Context, in *ecs.DescribeTaskDefinitionInput, opts ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
	}

	// SQSAPI captures the SQS client surface used.
	SQSAPI interface {
		GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	}

	// LogsAPI captures the CloudWatch Logs client surface used.
	LogsAPI interface {
		FilterLogEvents(ctx context.Context, in *cwl.FilterLogEventsInput, opts ...func(*cwl.Options)) (*cwl.FilterLogEventsOutput, error)
	}

	// AWSOps bundles the runtime diagnostics clients.
	AWSOps struct {
		ECS     ECSAPI
		SQS     SQSAPI
		Logs    LogsAPI
		Secrets secrets.Reader
	}
)

// RegisterAWSOps adds the AWS runtime diagnostics tools. All are read-only.
func RegisterAWSOps(r *Registry, ops AWSOps) {
	r.MustRegister(Tool{
		Name:        "ecs_describe_service",
		Description: "Describe an ECS service: desired/running/pending counts and recent deployment state.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"cluster": {"type": "string", "minLength": 1},
				"service": {"type": "string", "minLength": 1}
			},
			"required": ["cluster", "service"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			out, err := ops.ECS.DescribeServices(ctx, &ecs.DescribeServicesInput{
				Cluster:  aws.String(argString(args, "cluster")),
				Services: []string{argString(args, "service")},
			})
			if err != nil {
				return nil, err
			}
			services := make([]map[string]any, 0, len(out.Services))
			for _, svc := range out.Services {
				services = append(services, map[string]any{
					"serviceName":  aws.ToString(svc.ServiceName),
					"status":       aws.ToString(svc.Status),
					"desiredCount": svc.DesiredCount,
					"runningCount": svc.RunningCount,
					"pendingCount": svc.PendingCount,
				})
			}
			return map[string]any{"services": services}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "ecs_list_tasks",
		Description: "List the task ARNs of an ECS service.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"cluster": {"type": "string", "minLength": 1},
				"service": {"type": "string"}
			},
			"required": ["cluster"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			in := &ecs.ListTasksInput{Cluster: aws.String(argString(args, "cluster"))}
			if svc := argString(args, "service"); svc != "" {
				in.ServiceName = aws.String(svc)
			}
			out, err := ops.ECS.ListTasks(ctx, in)
			if err != nil {
				return nil, err
			}
			return map[string]any{"taskArns": out.TaskArns}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "ecs_describe_task_definition",
		Description: "Describe an ECS task definition: image, cpu and memory per container.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"taskDefinition": {"type": "string", "minLength": 1}},
			"required": ["taskDefinition"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			out, err := ops.ECS.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
				TaskDefinition: aws.String(argString(args, "taskDefinition")),
			})
			if err != nil {
				return nil, err
			}
			td := out.TaskDefinition
			if td == nil {
				return map[string]any{}, nil
			}
			containers := make([]map[string]any, 0, len(td.ContainerDefinitions))
			for _, c := range td.ContainerDefinitions {
				containers = append(containers, map[string]any{
					"name":   aws.ToString(c.Name),
					"image":  aws.ToString(c.Image),
					"cpu":    c.Cpu,
					"memory": aws.ToInt32(c.Memory),
				})
			}
			return map[string]any{
				"family":     aws.ToString(td.Family),
				"revision":   td.Revision,
				"cpu":        aws.ToString(td.Cpu),
				"memory":     aws.ToString(td.Memory),
				"containers": containers,
			}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "sqs_get_queue_attributes",
		Description: "Return queue depth attributes: visible, in-flight and delayed message counts.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"queueUrl": {"type": "string", "minLength": 1}},
			"required": ["queueUrl"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			out, err := ops.SQS.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
				QueueUrl: aws.String(argString(args, "queueUrl")),
				AttributeNames: []sqstypes.QueueAttributeName{
					sqstypes.QueueAttributeNameApproximateNumberOfMessages,
					sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
					sqstypes.QueueAttributeNameApproximateNumberOfMessagesDelayed,
				},
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"attributes": out.Attributes}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "secrets_describe",
		Description: "Return metadata for a named secret. Never returns the value.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"name": {"type": "string", "minLength": 1}},
			"required": ["name"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return ops.Secrets.Describe(ctx, argString(args, "name"))
		},
	})

	r.MustRegister(Tool{
		Name:        "logs_tail",
		Description: "Tail recent log events from a log group, newest last.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"logGroup": {"type": "string", "minLength": 1},
				"minutes": {"type": "integer", "minimum": 1, "maximum": 1440},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["logGroup"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return filterLogs(ctx, ops.Logs, argString(args, "logGroup"), "", argInt(args, "minutes"), argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "telemetry_search_logs",
		Description: "Search a log group for events matching a filter pattern within a recent window.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"logGroup": {"type": "string", "minLength": 1},
				"pattern": {"type": "string", "minLength": 1},
				"minutes": {"type": "integer", "minimum": 1, "maximum": 1440},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["logGroup", "pattern"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return filterLogs(ctx, ops.Logs, argString(args, "logGroup"), argString(args, "pattern"), argInt(args, "minutes"), argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "telemetry_top_errors",
		Description: "Group recent error log lines by their leading text and return the most frequent groups.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"logGroup": {"type": "string", "minLength": 1},
				"minutes": {"type": "integer", "minimum": 1, "maximum": 1440},
				"top": {"type": "integer", "minimum": 1, "maximum": 25}
			},
			"required": ["logGroup"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			out, err := filterLogs(ctx, ops.Logs, argString(args, "logGroup"), "ERROR", argInt(args, "minutes"), 100)
			if err != nil {
				return nil, err
			}
			top := argInt(args, "top")
			if top <= 0 {
				top = 10
			}
			return topErrorGroups(out["events"].([]map[string]any), top), nil
		},
	})
}

func filterLogs(ctx context.Context, api LogsAPI, group, pattern string, minutes, limit int) (map[string]any, error) {
	if minutes <= 0 {
		minutes = 30
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	in := &cwl.FilterLogEventsInput{
		LogGroupName: aws.String(group),
		StartTime:    aws.Int64(time.Now().Add(-time.Duration(minutes) * time.Minute).UnixMilli()),
		Limit:        aws.Int32(int32(limit)),
	}
	if pattern != "" {
		in.FilterPattern = aws.String(pattern)
	}
	out, err := api.FilterLogEvents(ctx, in)
	if err != nil {
		return nil, err
	}
	events := make([]map[string]any, 0, len(out.Events))
	for _, e := range out.Events {
		events = append(events, map[string]any{
			"timestamp": aws.ToInt64(e.Timestamp),
			"message":   strings.TrimSpace(aws.ToString(e.Message)),
			"stream":    aws.ToString(e.LogStreamName),
		})
	}
	return map[string]any{"events": events}, nil
}

// topErrorGroups buckets messages by their first 80 characters. Crude but
// stable enough to spot a dominant failure.
func topErrorGroups(events []map[string]any, top int) map[string]any {
	counts := map[string]int{}
	for _, e := range events {
		msg, _ := e["message"].(string)
		key := msg
		if len(key) > 80 {
			key = key[:80]
		}
		counts[key]++
	}
	type group struct {
		Message string `json:"message"`
		Count   int    `json:"count"`
	}
	groups := make([]group, 0, len(counts))
	for msg, n := range counts {
		groups = append(groups, group{Message: msg, Count: n})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Message < groups[j].Message
	})
	if len(groups) > top {
		groups = groups[:top]
	}
	return map[string]any{"groups": groups}
}
