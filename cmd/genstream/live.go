package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
	"goa.design/pulse/rmap"

	"github.com/wangle201210/deepchat-sub006/features/model/anthropic"
	"github.com/wangle201210/deepchat-sub006/features/model/bedrock"
	"github.com/wangle201210/deepchat-sub006/features/model/middleware"
	"github.com/wangle201210/deepchat-sub006/features/model/openai"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/contextwin"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/model"
)

const (
	defaultMaxTokens = 4096
	rateLimitMapName = "genstream-ratelimit"
)

// newModel builds the provider client described by cfg.Provider, wrapped in
// a rate limiter when a QPS budget is configured. The returned release func
// leaves the replicated rate limit map, if any.
func newModel(ctx context.Context, cfg *Config, p *pipeline) (model.Client, func(), error) {
	pc := cfg.Provider
	if pc == nil {
		return nil, nil, errors.New("no provider configured")
	}
	maxTokens := pc.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	var (
		client model.Client
		err    error
	)
	switch pc.Kind {
	case "anthropic":
		client, err = anthropic.NewFromAPIKey(apiKey(pc, "ANTHROPIC_API_KEY"), anthropic.Options{
			Model:          pc.Model,
			MaxTokens:      maxTokens,
			ThinkingBudget: pc.ThinkingBudget,
			Temperature:    pc.Temperature,
		})
	case "openai":
		client, err = openai.NewFromAPIKey(apiKey(pc, "OPENAI_API_KEY"), pc.BaseURL, pc.Model)
	case "bedrock":
		rc := bedrockruntime.New(bedrockruntime.Options{
			Region:      pc.Region,
			Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(envCredentials)),
		})
		client, err = bedrock.New(bedrock.Options{
			Runtime:     rc,
			Model:       pc.Model,
			MaxTokens:   maxTokens,
			Temperature: float32(pc.Temperature),
		})
	default:
		err = fmt.Errorf("unknown provider %q", pc.Kind)
	}
	if err != nil {
		return nil, nil, err
	}
	release := func() {}
	if pc.QPS <= 0 {
		return client, release, nil
	}
	var m *rmap.Map
	if p.redis != nil {
		m, err = rmap.Join(ctx, rateLimitMapName, p.redis)
		if err != nil {
			return nil, nil, fmt.Errorf("join rate limit map: %w", err)
		}
		release = m.Close
	}
	limiter := middleware.NewRateLimiter(ctx, middleware.Options{
		Provider: pc.Kind,
		QPS:      pc.QPS,
		MaxQPS:   pc.MaxQPS,
		Map:      m,
	})
	return model.Chain(client, limiter.Middleware()), release, nil
}

func apiKey(pc *ProviderConfig, fallback string) string {
	name := pc.APIKeyEnv
	if name == "" {
		name = fallback
	}
	return os.Getenv(name)
}

// envCredentials reads static AWS credentials from the standard environment
// variables.
func envCredentials(context.Context) (aws.Credentials, error) {
	id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "EnvironmentVariables",
	}, nil
}

// liveTurn sends prompt, preceded by the history selected for the configured
// budget, to client and assembles the answer.
func liveTurn(ctx context.Context, p *pipeline, cfg *Config, client model.Client, history []*message.Message, prompt string) (*message.Message, error) {
	now := time.Now().UTC()
	user := &message.Message{
		ID:        uuid.NewString(),
		Role:      message.RoleUser,
		Status:    message.StatusSent,
		CreatedAt: now,
		User:      &message.UserContent{Text: prompt},
	}
	selected := contextwin.Select(history, user, contextwin.Options{
		Remaining:        cfg.budget().Remaining(contextwin.Estimate(contextwin.RenderUser(user.User))),
		ToolCallsAllowed: cfg.Budget.ToolCallsAllowed,
		VisionEnabled:    cfg.Budget.VisionEnabled,
	})
	if !cfg.Budget.ToolCallsAllowed {
		selected = contextwin.StripToolCalls(selected)
	}
	p.logger.Debug(ctx, "context selected", "history", len(history), "selected", len(selected))
	promptMsgs := append(selected[:len(selected):len(selected)], user)

	msg := &message.Message{
		ID:        uuid.NewString(),
		ParentID:  user.ID,
		Role:      message.RoleAssistant,
		Status:    message.StatusPending,
		CreatedAt: now,
	}
	content, err := msg.Content()
	if err != nil {
		return nil, err
	}
	if err := p.store.Create(ctx, msg.ID, content); err != nil {
		return nil, fmt.Errorf("create message %s: %w", msg.ID, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := make(chan event.Event, 64)
	go func() {
		defer close(events)
		emit := model.Pipe(streamCtx, events)
		if err := client.Stream(streamCtx, promptMsgs, emit); err != nil {
			if streamCtx.Err() != nil {
				return
			}
			if emit(event.Error{Message: err.Error()}) != nil {
				return
			}
		}
		_ = emit(event.End{})
	}()
	return p.assembler.Run(ctx, msg, events)
}
