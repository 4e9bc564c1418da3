package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
// A nil *Metrics records nothing.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	PipelinesTotal     *prometheus.CounterVec
	PipelineDuration   *prometheus.HistogramVec
	JudgmentsTotal     *prometheus.CounterVec
	JudgeFallbacks     *prometheus.CounterVec
	LLMCallsTotal      prometheus.Counter
	LLMTokensIn        prometheus.Counter
	LLMTokensOut       prometheus.Counter
	LLMDuration        prometheus.Histogram
	TasksCreated       prometheus.Counter
	SuggestionsCreated prometheus.Counter
	StuckReleased      prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentodo_events_received_total",
			Help: "Mention events accepted for triage by source.",
		}, []string{"source"}),
		PipelinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentodo_pipelines_total",
			Help: "Completed triage pipelines by outcome.",
		}, []string{"outcome"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mentodo_pipeline_duration_seconds",
			Help:    "Duration of triage pipelines in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"outcome"}),
		JudgmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentodo_judgments_total",
			Help: "Judge verdicts by judgment.",
		}, []string{"judgment"}),
		JudgeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentodo_judge_fallbacks_total",
			Help: "Judge calls that fell back to uncertain, by reason.",
		}, []string{"reason"}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentodo_llm_calls_total",
			Help: "Total LLM provider calls.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentodo_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentodo_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mentodo_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. ~32s
		}),
		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentodo_tasks_created_total",
			Help: "Tasks created automatically or by manual promotion.",
		}),
		SuggestionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentodo_suggestions_created_total",
			Help: "Group suggestions inserted.",
		}),
		StuckReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentodo_stuck_messages_released_total",
			Help: "Messages moved to the review backlog by the stuck sweep.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.PipelinesTotal,
		m.PipelineDuration,
		m.JudgmentsTotal,
		m.JudgeFallbacks,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.TasksCreated,
		m.SuggestionsCreated,
		m.StuckReleased,
	)

	return m
}

// Hooks returns JudgeHooks that increment the corresponding metrics.
func (m *Metrics) Hooks() JudgeHooks {
	return JudgeHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnVerdict: func(j Judgment) {
			m.JudgmentsTotal.WithLabelValues(string(j)).Inc()
		},
		OnFallback: func(kind string) {
			m.JudgeFallbacks.WithLabelValues(kind).Inc()
		},
	}
}

func (m *Metrics) eventReceived(src Source) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(string(src)).Inc()
}

func (m *Metrics) pipelineDone(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.PipelinesTotal.WithLabelValues(outcome).Inc()
	m.PipelineDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) taskCreated() {
	if m == nil {
		return
	}
	m.TasksCreated.Inc()
}

func (m *Metrics) suggestionsCreated(n int) {
	if m == nil {
		return
	}
	m.SuggestionsCreated.Add(float64(n))
}

func (m *Metrics) stuckReleased(n int) {
	if m == nil {
		return
	}
	m.StuckReleased.Add(float64(n))
}
