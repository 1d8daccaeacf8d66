// Package boot wires the operator process graph: AWS clients, providers,
// stores, adapters, the tool registry and the agent runtime. Both binaries
// build the same system and pick the pieces they serve.
package boot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cwl "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	sm "github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	github "github.com/google/go-github/v66/github"
	slackapi "github.com/slack-go/slack"

	"github.com/bidstack/operator/actions"
	"github.com/bidstack/operator/agent"
	"github.com/bidstack/operator/blob"
	blobs3 "github.com/bidstack/operator/blob/s3"
	"github.com/bidstack/operator/browser"
	"github.com/bidstack/operator/config"
	"github.com/bidstack/operator/contextbuild"
	"github.com/bidstack/operator/executor"
	"github.com/bidstack/operator/githubadapter"
	"github.com/bidstack/operator/identity"
	"github.com/bidstack/operator/intake"
	"github.com/bidstack/operator/jobs"
	"github.com/bidstack/operator/kv"
	"github.com/bidstack/operator/kv/dynamo"
	"github.com/bidstack/operator/memory"
	"github.com/bidstack/operator/model"
	"github.com/bidstack/operator/model/ai"
	anthropicmodel "github.com/bidstack/operator/model/anthropic"
	openaimodel "github.com/bidstack/operator/model/openai"
	"github.com/bidstack/operator/opportunity"
	"github.com/bidstack/operator/secrets"
	"github.com/bidstack/operator/slackadapter"
	"github.com/bidstack/operator/telemetry"
	"github.com/bidstack/operator/tools"
)

// System is the wired process graph.
type System struct {
	Config  *config.Config
	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	Store     kv.Store
	Links     kv.LinkStore
	Objects   blob.Store
	Secrets   secrets.Reader
	AI        *ai.Client
	Repo      *opportunity.Repo
	Memories  *memory.Store
	Jobs      *jobs.Store
	Actions   *actions.Store
	Directory *identity.KVDirectory
	Intake    *intake.Pipeline

	Chat    *slackadapter.Adapter
	Code    *githubadapter.Adapter
	Browser *browser.Client

	Registry     *tools.Registry
	Planner      *executor.Planner
	Orchestrator *executor.Orchestrator
	Agent        *agent.Runtime

	// Notify publishes contracting events to the FIFO queue when one is
	// configured, nil otherwise.
	Notify func(ctx context.Context, event map[string]any) error
}

// Build assembles the system from configuration. Optional adapters (Slack,
// GitHub, browser) stay nil when their settings are absent; everything
// downstream tolerates that.
func Build(ctx context.Context, cfg *config.Config) (*System, error) {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("boot: aws config: %w", err)
	}
	ddb := dynamodb.NewFromConfig(awsCfg)

	store, err := dynamo.New(dynamo.Options{Client: ddb, Table: cfg.TableName})
	if err != nil {
		return nil, err
	}
	var links kv.LinkStore
	if cfg.LinkTableName != "" {
		ls, err := dynamo.NewLinkStore(ddb, cfg.LinkTableName)
		if err != nil {
			return nil, err
		}
		links = ls
	}
	objects, err := blobs3.New(blobs3.Options{Client: awss3.NewFromConfig(awsCfg), Bucket: cfg.Bucket})
	if err != nil {
		return nil, err
	}
	secretsReader, err := secrets.New(sm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}

	aiClient, err := buildAI(ctx, cfg, secretsReader, logger, metrics)
	if err != nil {
		return nil, err
	}

	repo, err := opportunity.NewRepo(opportunity.Options{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}
	memories, err := memory.New(memory.Options{Store: store, Logger: logger, Summarizer: aiClient})
	if err != nil {
		return nil, err
	}
	jobStore, err := jobs.NewStore(jobs.Options{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}
	actionStore, err := actions.New(actions.Options{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}
	directory, err := identity.NewKVDirectory(store)
	if err != nil {
		return nil, err
	}
	pipeline, err := intake.New(intake.Options{AI: aiClient, Repo: repo, Objects: objects, Logger: logger})
	if err != nil {
		return nil, err
	}

	chat, err := buildSlack(ctx, cfg, secretsReader, logger)
	if err != nil {
		return nil, err
	}
	code, err := buildGitHub(ctx, cfg, secretsReader, logger)
	if err != nil {
		return nil, err
	}
	var bw *browser.Client
	if cfg.Browser.Endpoint != "" {
		bw, err = browser.New(browser.Options{
			Endpoint:       cfg.Browser.Endpoint,
			AllowedDomains: cfg.Browser.AllowedDomains,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
	}
	external := memory.NewExternalContext(memories, browserFetchers(bw))

	registry := tools.NewRegistry()
	tools.RegisterRFP(registry, repo)
	tools.RegisterOpportunity(registry, repo)
	tools.RegisterMemory(registry, memories)
	tools.RegisterExternalContext(registry, external)
	tools.RegisterStorage(registry, store, objects)
	tools.RegisterProposeAction(registry, actionStore)
	tools.RegisterAWSOps(registry, tools.AWSOps{
		ECS:     ecs.NewFromConfig(awsCfg),
		SQS:     sqs.NewFromConfig(awsCfg),
		Logs:    cwl.NewFromConfig(awsCfg),
		Secrets: secretsReader,
	})
	if chat != nil {
		tools.RegisterSlack(registry, chat, pipeline)
	}
	if code != nil {
		tools.RegisterGitHub(registry, code)
	}
	if bw != nil {
		tools.RegisterBrowser(registry, bw)
	}

	planner, err := executor.NewPlanner(aiClient, registry, logger)
	if err != nil {
		return nil, err
	}
	orch, err := executor.New(executor.Options{
		Registry: registry,
		Jobs:     jobStore,
		Memories: memories,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}
	tools.RegisterJobs(registry, jobStore, planner)

	cbOpts := contextbuild.Options{
		Opportunities: repo,
		Memories:      memories,
		Jobs:          jobStore,
		Logger:        logger,
	}
	if chat != nil {
		cbOpts.History = chat
	}
	builder, err := contextbuild.New(cbOpts)
	if err != nil {
		return nil, err
	}

	agentOpts := agent.Options{
		Registry:      registry,
		AI:            aiClient,
		Opportunities: repo,
		Memories:      memories,
		Context:       builder,
		Logger:        logger,
		Metrics:       metrics,
	}
	if chat != nil {
		agentOpts.Chat = chat
	}
	runtime, err := agent.New(agentOpts)
	if err != nil {
		return nil, err
	}

	return &System{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Store:        store,
		Links:        links,
		Objects:      objects,
		Secrets:      secretsReader,
		AI:           aiClient,
		Repo:         repo,
		Memories:     memories,
		Jobs:         jobStore,
		Actions:      actionStore,
		Directory:    directory,
		Intake:       pipeline,
		Chat:         chat,
		Code:         code,
		Browser:      bw,
		Registry:     registry,
		Planner:      planner,
		Orchestrator: orch,
		Agent:        runtime,
		Notify:       contractingNotifier(cfg, sqs.NewFromConfig(awsCfg)),
	}, nil
}

// buildAI resolves provider keys and assembles the purpose chains. Every
// chain falls through the default model to the known-safe model.
func buildAI(ctx context.Context, cfg *config.Config, sec secrets.Reader, logger telemetry.Logger, metrics telemetry.Metrics) (*ai.Client, error) {
	var openaiClient, anthropicClient model.Client
	if cfg.AI.APIKeySecret != "" {
		key, err := sec.GetString(ctx, cfg.AI.APIKeySecret)
		if err != nil {
			return nil, err
		}
		c, err := openaimodel.NewFromAPIKey(key, cfg.AI.DefaultModel)
		if err != nil {
			return nil, err
		}
		openaiClient = c
	}
	if cfg.AI.AnthropicKeySecret != "" {
		key, err := sec.GetString(ctx, cfg.AI.AnthropicKeySecret)
		if err != nil {
			return nil, err
		}
		c, err := anthropicmodel.NewFromAPIKey(key, cfg.AI.DefaultModel)
		if err != nil {
			return nil, err
		}
		anthropicClient = c
	}
	if openaiClient == nil && anthropicClient == nil {
		return nil, &config.NotConfiguredError{Setting: "OPERATOR_AI_API_KEY_SECRET"}
	}

	chains := make(map[string][]string, len(cfg.AI.PurposeModels))
	for purpose, m := range cfg.AI.PurposeModels {
		chains[purpose] = chainOf(m, cfg.AI.DefaultModel, cfg.AI.KnownSafeModel)
	}
	return ai.New(ai.Options{
		OpenAI:       openaiClient,
		Anthropic:    anthropicClient,
		Chains:       chains,
		DefaultChain: chainOf(cfg.AI.DefaultModel, cfg.AI.KnownSafeModel),
		Logger:       logger,
		Metrics:      metrics,
	})
}

// chainOf drops empty entries and duplicates while keeping order.
func chainOf(models ...string) []string {
	seen := make(map[string]struct{}, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func buildSlack(ctx context.Context, cfg *config.Config, sec secrets.Reader, logger telemetry.Logger) (*slackadapter.Adapter, error) {
	if cfg.Slack.TokenSecret == "" {
		return nil, nil
	}
	token, err := sec.GetString(ctx, cfg.Slack.TokenSecret)
	if err != nil {
		return nil, err
	}
	return slackadapter.New(slackadapter.Options{
		Client:          slackapi.New(token),
		AllowedChannels: cfg.Slack.AllowedChannels,
		BotToken:        token,
		Logger:          logger,
	})
}

func buildGitHub(ctx context.Context, cfg *config.Config, sec secrets.Reader, logger telemetry.Logger) (*githubadapter.Adapter, error) {
	if cfg.GitHub.TokenSecret == "" {
		return nil, nil
	}
	token, err := sec.GetString(ctx, cfg.GitHub.TokenSecret)
	if err != nil {
		return nil, err
	}
	gh := github.NewClient(nil).WithAuthToken(token)
	return githubadapter.New(githubadapter.Options{
		Client:       githubadapter.NewClientAPI(gh),
		AllowedRepos: cfg.GitHub.AllowedRepos,
		Logger:       logger,
	})
}

// browserFetchers exposes the browser worker as a "web" context source.
// The query is the page URL; the extracted text body is the context.
func browserFetchers(bw *browser.Client) map[string]memory.Fetcher {
	if bw == nil {
		return nil
	}
	return map[string]memory.Fetcher{
		"web": memory.FetcherFunc(func(ctx context.Context, query string, params map[string]string) (string, error) {
			contextID, err := bw.NewContext(ctx)
			if err != nil {
				return "", err
			}
			pageID, err := bw.NewPage(ctx, contextID)
			if err != nil {
				return "", err
			}
			if err := bw.Goto(ctx, pageID, query); err != nil {
				return "", err
			}
			out, err := bw.Extract(ctx, pageID, "text", params["selector"])
			if err != nil {
				return "", err
			}
			if text, ok := out["text"].(string); ok {
				return text, nil
			}
			raw, err := json.Marshal(out)
			if err != nil {
				return "", err
			}
			return string(raw), nil
		}),
	}
}

// contractingNotifier publishes contracting events to the FIFO queue. The
// template id groups messages so per-template ordering holds.
func contractingNotifier(cfg *config.Config, client *sqs.Client) func(ctx context.Context, event map[string]any) error {
	if cfg.ContractingQueueURL == "" {
		return nil
	}
	return func(ctx context.Context, event map[string]any) error {
		body, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("boot: contracting event: %w", err)
		}
		group := "contracting"
		if id, ok := event["templateId"].(string); ok && id != "" {
			group = id
		}
		dedupe := fmt.Sprintf("%s-%d", group, time.Now().UnixNano())
		_, err = client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:               aws.String(cfg.ContractingQueueURL),
			MessageBody:            aws.String(string(body)),
			MessageGroupId:         aws.String(group),
			MessageDeduplicationId: aws.String(dedupe),
		})
		if err != nil {
			return fmt.Errorf("boot: contracting publish: %w", err)
		}
		return nil
	}
}
