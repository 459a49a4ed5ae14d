// Package ai 通过 OpenAI 兼容接口实现完成日期估算和预测说明
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"forecast-service/internal/model"
	"forecast-service/pkg/circuitbreaker"
	"forecast-service/pkg/metrics"
)

const (
	DefaultModel         = "gpt-4o-mini"
	DefaultRatePerSecond = 2.0

	opEstimate = "estimate"
	opExplain  = "explain"

	week = 7 * 24 * time.Hour
)

const estimateSystemPrompt = `You estimate software project completion from weekly velocity history.
Reply with a JSON object only:
{"optimistic_weeks": number, "predicted_weeks": number, "pessimistic_weeks": number,
 "confidence": "LOW"|"MED"|"HIGH", "reasoning": string}
Weeks are counted from "now". optimistic_weeks <= predicted_weeks <= pessimistic_weeks.`

const explainSystemPrompt = `You explain a project completion forecast to a project manager in at most three sentences.
Do not change or restate any numbers that are not in the forecast.`

type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	RatePerSecond float64
	Breaker       circuitbreaker.Config
}

// Client 实现 service.Estimator 和 service.NarrativeGenerator。
// 每次调用先经过限流，再经过熔断器。
type Client struct {
	api     *openai.Client
	model   string
	limiter *rate.Limiter
	cb      *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("ai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Warn("AI circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Client{
		api:     openai.NewClientWithConfig(apiCfg),
		model:   cfg.Model,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(math.Max(1, math.Ceil(cfg.RatePerSecond)))),
		cb:      circuitbreaker.NewCircuitBreaker(breakerCfg),
		logger:  logger,
	}, nil
}

type estimateReply struct {
	OptimisticWeeks  float64 `json:"optimistic_weeks"`
	PredictedWeeks   float64 `json:"predicted_weeks"`
	PessimisticWeeks float64 `json:"pessimistic_weeks"`
	Confidence       string  `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
}

// Estimate 请求模型给出以周为单位的区间，再换算为日期
func (c *Client) Estimate(ctx context.Context, req model.EstimateRequest) (*model.Forecast, error) {
	prompt, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ai: failed to encode estimate request: %w", err)
	}

	content, err := c.complete(ctx, opEstimate, estimateSystemPrompt, string(prompt), true)
	if err != nil {
		return nil, err
	}

	var reply estimateReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return nil, fmt.Errorf("ai: malformed estimate reply: %w", err)
	}
	if reply.OptimisticWeeks < 0 || reply.PredictedWeeks < 0 || reply.PessimisticWeeks < 0 {
		return nil, errors.New("ai: negative week count in estimate reply")
	}

	return &model.Forecast{
		OptimisticDate:  req.Now.Add(weeks(reply.OptimisticWeeks)),
		PredictedDate:   req.Now.Add(weeks(reply.PredictedWeeks)),
		PessimisticDate: req.Now.Add(weeks(reply.PessimisticWeeks)),
		Confidence:      model.Confidence(strings.ToUpper(strings.TrimSpace(reply.Confidence))),
		Reasoning:       strings.TrimSpace(reply.Reasoning),
		VelocityAvg:     req.Metrics.Velocity,
		DataPoints:      req.Metrics.SampleSize,
	}, nil
}

// Explain 生成说明文本
func (c *Client) Explain(ctx context.Context, f model.Forecast) (string, error) {
	prompt, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("ai: failed to encode forecast: %w", err)
	}
	return c.complete(ctx, opExplain, explainSystemPrompt, string(prompt), false)
}

func (c *Client) complete(ctx context.Context, op, system, user string, jsonReply bool) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("ai: rate limiter: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.2,
	}
	if jsonReply {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	var content string
	err := c.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		start := time.Now()
		resp, err := c.api.CreateChatCompletion(ctx, req)
		metrics.RecordAICallLatency(op, callStatus(err), time.Since(start))
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("no choices returned")
		}
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
		if content == "" {
			return errors.New("empty completion")
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("AI call failed", zap.String("operation", op), zap.Error(err))
		return "", fmt.Errorf("ai %s: %w", op, err)
	}

	c.logger.Debug("AI call succeeded", zap.String("operation", op), zap.Int("length", len(content)))
	return content, nil
}

func callStatus(err error) string {
	if err == nil {
		return "success"
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 500 {
			return "5xx"
		}
		return fmt.Sprintf("%d", apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 500 {
			return "5xx"
		}
		return fmt.Sprintf("%d", reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

func weeks(w float64) time.Duration {
	return time.Duration(w * float64(week))
}
