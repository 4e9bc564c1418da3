package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const (
	// MaxOpenTasks bounds the open tasks embedded in one judge prompt.
	MaxOpenTasks = 30

	// ResponseTokens is the output budget of one judge call.
	ResponseTokens = 512

	// DefaultJudgeTimeout applies when NewJudge is given a zero timeout.
	DefaultJudgeTimeout = 30 * time.Second
)

var tracer = otel.Tracer("github.com/linnemanlabs/mentodo/internal/triage")

// Judgment is the judge's classification of one message.
type Judgment string

const (
	JudgmentActionable    Judgment = "actionable"
	JudgmentNotActionable Judgment = "not_actionable"
	JudgmentUncertain     Judgment = "uncertain"
)

// Valid reports whether j is one of the three judgments.
func (j Judgment) Valid() bool {
	switch j {
	case JudgmentActionable, JudgmentNotActionable, JudgmentUncertain:
		return true
	default:
		return false
	}
}

// JudgeInput is the part of a message the judge sees.
type JudgeInput struct {
	Source     Source
	SenderName string
	Body       string
}

// Verdict is the judge's answer. SimilarTaskIDs is never nil.
type Verdict struct {
	Judgment       Judgment `json:"judgment"`
	Reason         string   `json:"reason"`
	SimilarTaskIDs []string `json:"similar_task_ids"`
}

// Fallback kinds, used as the reason label of the fallback metric.
const (
	FallbackLLMError        = "llm_error"
	FallbackEmpty           = "empty"
	FallbackNonText         = "non_text"
	FallbackParse           = "parse"
	FallbackInvalidJudgment = "invalid_judgment"
)

type fallbackError struct {
	kind string
	err  error
}

func (e *fallbackError) Error() string { return e.err.Error() }
func (e *fallbackError) Unwrap() error { return e.err }

// JudgeHooks receives judge events. Nil fields are skipped.
type JudgeHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnVerdict  func(j Judgment)
	OnFallback func(kind string)
}

// Judge asks the LLM whether a message is actionable. It never returns an
// error: every failure becomes an uncertain verdict.
type Judge struct {
	provider Provider
	logger   log.Logger
	timeout  time.Duration
	hooks    JudgeHooks
}

// NewJudge creates a judge backed by provider.
func NewJudge(provider Provider, logger log.Logger, timeout time.Duration, hooks JudgeHooks) *Judge {
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultJudgeTimeout
	}
	return &Judge{
		provider: provider,
		logger:   logger,
		timeout:  timeout,
		hooks:    hooks,
	}
}

// Judge classifies in against openTasks. Only the first MaxOpenTasks tasks are used.
func (j *Judge) Judge(ctx context.Context, in *JudgeInput, openTasks []OpenTask) Verdict {
	if len(openTasks) > MaxOpenTasks {
		openTasks = openTasks[:MaxOpenTasks]
	}

	ctx, span := tracer.Start(ctx, "triage.judge",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gen_ai.operation.name", "chat"),
			attribute.String("mentodo.message.source", string(in.Source)),
			attribute.Int("mentodo.judge.open_tasks", len(openTasks)),
		),
	)
	defer span.End()

	v, err := j.run(ctx, in, openTasks, span)
	if err != nil {
		kind := FallbackParse
		var fe *fallbackError
		if errors.As(err, &fe) {
			kind = fe.kind
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		span.SetAttributes(attribute.String("mentodo.judge.fallback", kind))
		j.logger.Warn(ctx, "judge fell back to uncertain", "kind", kind, "err", err)
		if j.hooks.OnFallback != nil {
			j.hooks.OnFallback(kind)
		}
		v = fallbackVerdict(err)
	}

	span.SetAttributes(
		attribute.String("mentodo.judge.judgment", string(v.Judgment)),
		attribute.Int("mentodo.judge.similar_tasks", len(v.SimilarTaskIDs)),
	)
	if j.hooks.OnVerdict != nil {
		j.hooks.OnVerdict(v.Judgment)
	}
	return v
}

func (j *Judge) run(ctx context.Context, in *JudgeInput, openTasks []OpenTask, span trace.Span) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	resp, err := j.send(ctx, &LLMRequest{
		MaxTokens: ResponseTokens,
		System:    buildSystemPrompt(),
		Messages: []ChatMessage{{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: buildUserPrompt(in, openTasks)}},
		}},
	})
	if err != nil {
		return Verdict{}, &fallbackError{kind: FallbackLLMError, err: fmt.Errorf("llm call failed: %w", err)}
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.String("gen_ai.response.finish_reason", string(resp.StopReason)),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	if j.hooks.OnLLMCall != nil {
		j.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Seconds())
	}

	return parseVerdict(resp)
}

// send calls the provider, converting a panic into an error.
func (j *Judge) send(ctx context.Context, req *LLMRequest) (resp *LLMResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("provider panic: %v", r)
		}
	}()
	if j.provider == nil {
		return nil, errors.New("no llm provider configured")
	}
	resp, err = j.provider.Send(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("provider returned no response")
	}
	return resp, err
}

var (
	fenceOpen  = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("\\s*```\\s*$")
)

// stripFence removes one optional surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = fenceOpen.ReplaceAllString(s, "")
	s = fenceClose.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func parseVerdict(resp *LLMResponse) (Verdict, error) {
	if len(resp.Content) == 0 {
		return Verdict{}, &fallbackError{kind: FallbackEmpty, err: errors.New("empty llm response")}
	}
	for _, b := range resp.Content {
		if b.Type != "text" {
			return Verdict{}, &fallbackError{kind: FallbackNonText, err: fmt.Errorf("unexpected %q content in llm response", b.Type)}
		}
	}

	text := stripFence(resp.Text())
	if text == "" {
		return Verdict{}, &fallbackError{kind: FallbackEmpty, err: errors.New("empty llm response")}
	}

	var v Verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Verdict{}, &fallbackError{kind: FallbackParse, err: fmt.Errorf("parse llm response: %w", err)}
	}
	if !v.Judgment.Valid() {
		return Verdict{}, &fallbackError{kind: FallbackInvalidJudgment, err: fmt.Errorf("invalid judgment %q", v.Judgment)}
	}
	if v.SimilarTaskIDs == nil {
		v.SimilarTaskIDs = []string{}
	}
	return v, nil
}

func fallbackVerdict(err error) Verdict {
	return Verdict{
		Judgment:       JudgmentUncertain,
		Reason:         "judge fallback: " + err.Error(),
		SimilarTaskIDs: []string{},
	}
}
