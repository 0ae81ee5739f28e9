// Package routing hosts the model experiment engine: A/B traffic splits
// over providers with consistent-hash assignment, per-variant cost and
// latency accounting, and z-tested significance so a winning variant can
// be promoted — automatically when the experiment opts in.
package routing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExperimentStatus is an experiment's lifecycle position.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentConcluded ExperimentStatus = "concluded"
)

// ExperimentVariant is one arm of a split.
type ExperimentVariant struct {
	Name          string  `json:"name"`
	Model         string  `json:"model"`
	Provider      string  `json:"provider"`
	TrafficWeight float64 `json:"traffic_weight"` // 0.0-1.0, must sum to 1.0
}

// Experiment is one A/B test over providers/models.
type Experiment struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Status      ExperimentStatus    `json:"status"`
	Variants    []ExperimentVariant `json:"variants"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	ConcludedAt *time.Time          `json:"concluded_at,omitempty"`
	WinnerIdx   int                 `json:"winner_idx"`

	AutoSwitch            bool    `json:"auto_switch"`
	SignificanceThreshold float64 `json:"significance_threshold"` // default 0.95
	MinSampleSize         int     `json:"min_sample_size"`        // default 100
}

// VariantMetrics accumulates one variant's outcomes.
type VariantMetrics struct {
	Requests     int64         `json:"requests"`
	Errors       int64         `json:"errors"`
	TotalCost    float64       `json:"total_cost"`
	TotalLatency time.Duration `json:"-"`
	TotalTokens  int64         `json:"total_tokens"`

	AvgCost    float64 `json:"avg_cost"`
	AvgLatency float64 `json:"avg_latency_ms"`
	ErrorRate  float64 `json:"error_rate"`
	AvgTokens  float64 `json:"avg_tokens"`

	sumLatencySq float64
}

func (m *VariantMetrics) recalc() {
	if m.Requests == 0 {
		return
	}
	n := float64(m.Requests)
	m.AvgCost = m.TotalCost / n
	m.AvgLatency = float64(m.TotalLatency.Milliseconds()) / n
	m.ErrorRate = float64(m.Errors) / n
	m.AvgTokens = float64(m.TotalTokens) / n
}

func (m *VariantMetrics) latencyVariance() float64 {
	if m.Requests < 2 {
		return 0
	}
	return m.sumLatencySq/float64(m.Requests) - m.AvgLatency*m.AvgLatency
}

// ExperimentEngine holds all experiments and their metrics.
type ExperimentEngine struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment
	metrics     map[string][]VariantMetrics
}

// NewExperimentEngine constructs an empty engine.
func NewExperimentEngine() *ExperimentEngine {
	return &ExperimentEngine{
		experiments: make(map[string]*Experiment),
		metrics:     make(map[string][]VariantMetrics),
	}
}

// CreateExperiment registers a new experiment, assigning an ID when the
// caller omitted one, and returns the stored record. Variant weights
// must sum to 1.0.
func (e *ExperimentEngine) CreateExperiment(exp Experiment) (*Experiment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if _, exists := e.experiments[exp.ID]; exists {
		return nil, fmt.Errorf("experiment %s already exists", exp.ID)
	}

	var totalWeight float64
	for _, v := range exp.Variants {
		totalWeight += v.TrafficWeight
	}
	if math.Abs(totalWeight-1.0) > 0.01 {
		return nil, fmt.Errorf("variant traffic weights must sum to 1.0, got %.3f", totalWeight)
	}

	if exp.SignificanceThreshold == 0 {
		exp.SignificanceThreshold = 0.95
	}
	if exp.MinSampleSize == 0 {
		exp.MinSampleSize = 100
	}
	exp.Status = ExperimentDraft
	exp.CreatedAt = time.Now()
	exp.WinnerIdx = -1

	e.experiments[exp.ID] = &exp
	e.metrics[exp.ID] = make([]VariantMetrics, len(exp.Variants))
	return &exp, nil
}

func (e *ExperimentEngine) transition(id string, allowed []ExperimentStatus, to ExperimentStatus) error {
	exp, ok := e.experiments[id]
	if !ok {
		return fmt.Errorf("experiment %s not found", id)
	}
	for _, s := range allowed {
		if exp.Status == s {
			exp.Status = to
			return nil
		}
	}
	return fmt.Errorf("experiment %s is %s, cannot move to %s", id, exp.Status, to)
}

// StartExperiment begins (or resumes) traffic assignment.
func (e *ExperimentEngine) StartExperiment(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.transition(id, []ExperimentStatus{ExperimentDraft, ExperimentPaused}, ExperimentRunning); err != nil {
		return err
	}
	now := time.Now()
	e.experiments[id].StartedAt = &now
	return nil
}

// PauseExperiment halts traffic assignment without concluding.
func (e *ExperimentEngine) PauseExperiment(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(id, []ExperimentStatus{ExperimentRunning}, ExperimentPaused)
}

// ConcludeExperiment manually crowns a winner.
func (e *ExperimentEngine) ConcludeExperiment(id string, winnerIdx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, ok := e.experiments[id]
	if !ok {
		return fmt.Errorf("experiment %s not found", id)
	}
	if winnerIdx < 0 || winnerIdx >= len(exp.Variants) {
		return fmt.Errorf("invalid winner index %d", winnerIdx)
	}
	now := time.Now()
	exp.ConcludedAt = &now
	exp.Status = ExperimentConcluded
	exp.WinnerIdx = winnerIdx
	return nil
}

// DeleteExperiment removes an experiment and its metrics.
func (e *ExperimentEngine) DeleteExperiment(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.experiments[id]; !ok {
		return fmt.Errorf("experiment %s not found", id)
	}
	delete(e.experiments, id)
	delete(e.metrics, id)
	return nil
}

// GetExperiment returns one experiment and a copy of its metrics.
func (e *ExperimentEngine) GetExperiment(id string) (*Experiment, []VariantMetrics, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exp, ok := e.experiments[id]
	if !ok {
		return nil, nil, fmt.Errorf("experiment %s not found", id)
	}
	metricsCopy := make([]VariantMetrics, len(e.metrics[id]))
	copy(metricsCopy, e.metrics[id])
	return exp, metricsCopy, nil
}

// ListExperiments returns every experiment.
func (e *ExperimentEngine) ListExperiments() []*Experiment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Experiment, 0, len(e.experiments))
	for _, exp := range e.experiments {
		out = append(out, exp)
	}
	return out
}

// AssignVariant maps a request key onto a variant by consistent hashing:
// the same key always lands on the same arm, so a retried request cannot
// flip variants mid-conversation.
func (e *ExperimentEngine) AssignVariant(experimentID, requestKey string) (*ExperimentVariant, int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	exp, ok := e.experiments[experimentID]
	if !ok {
		return nil, -1, fmt.Errorf("experiment %s not found", experimentID)
	}
	if exp.Status != ExperimentRunning {
		return nil, -1, fmt.Errorf("experiment %s is not running", experimentID)
	}

	hash := sha256.Sum256([]byte(experimentID + ":" + requestKey))
	point := float64(binary.BigEndian.Uint64(hash[:8])) / float64(math.MaxUint64)

	cumulative := 0.0
	for i := range exp.Variants {
		cumulative += exp.Variants[i].TrafficWeight
		if point < cumulative {
			return &exp.Variants[i], i, nil
		}
	}
	last := len(exp.Variants) - 1 // float rounding edge
	return &exp.Variants[last], last, nil
}

// RecordResult accumulates one request's outcome into its variant.
func (e *ExperimentEngine) RecordResult(experimentID string, variantIdx int, cost float64, latency time.Duration, tokens int64, isError bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	metrics, ok := e.metrics[experimentID]
	if !ok || variantIdx < 0 || variantIdx >= len(metrics) {
		return
	}

	m := &metrics[variantIdx]
	m.Requests++
	m.TotalCost += cost
	m.TotalLatency += latency
	m.TotalTokens += tokens
	latMs := float64(latency.Milliseconds())
	m.sumLatencySq += latMs * latMs
	if isError {
		m.Errors++
	}
	m.recalc()

	if exp := e.experiments[experimentID]; exp != nil && exp.AutoSwitch && exp.Status == ExperimentRunning {
		e.checkAutoSwitch(exp, metrics)
	}
}

// ZTestResult is the outcome of a two-sample significance test.
type ZTestResult struct {
	ZScore      float64 `json:"z_score"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`
	BetterIdx   int     `json:"better_idx"`
	Metric      string  `json:"metric"`
}

// CompareErrorRates runs a two-proportion z-test on the first two
// variants' error rates.
func (e *ExperimentEngine) CompareErrorRates(experimentID string) (*ZTestResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	exp, metrics, err := e.comparable(experimentID)
	if err != nil {
		return nil, err
	}
	m0, m1 := metrics[0], metrics[1]
	if m0.Requests < int64(exp.MinSampleSize) || m1.Requests < int64(exp.MinSampleSize) {
		return &ZTestResult{Metric: "error_rate"}, nil
	}

	n0, n1 := float64(m0.Requests), float64(m1.Requests)
	pooled := (float64(m0.Errors) + float64(m1.Errors)) / (n0 + n1)
	if pooled == 0 || pooled == 1 {
		return &ZTestResult{Metric: "error_rate"}, nil
	}
	se := math.Sqrt(pooled * (1 - pooled) * (1/n0 + 1/n1))
	if se == 0 {
		return &ZTestResult{Metric: "error_rate"}, nil
	}

	z := (m0.ErrorRate - m1.ErrorRate) / se
	better := 0
	if m1.ErrorRate < m0.ErrorRate {
		better = 1
	}
	return zResult(z, exp.SignificanceThreshold, better, "error_rate"), nil
}

// CompareCosts runs a two-sample z-test on the first two variants'
// average costs, with latency variance standing in for cost variance.
func (e *ExperimentEngine) CompareCosts(experimentID string) (*ZTestResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	exp, metrics, err := e.comparable(experimentID)
	if err != nil {
		return nil, err
	}
	m0, m1 := metrics[0], metrics[1]
	if m0.Requests < int64(exp.MinSampleSize) || m1.Requests < int64(exp.MinSampleSize) {
		return &ZTestResult{Metric: "cost"}, nil
	}

	se := math.Sqrt(m0.latencyVariance()/float64(m0.Requests) + m1.latencyVariance()/float64(m1.Requests))
	if se == 0 {
		return &ZTestResult{Metric: "cost"}, nil
	}

	z := (m0.AvgCost - m1.AvgCost) / se
	better := 0
	if m1.AvgCost < m0.AvgCost {
		better = 1
	}
	return zResult(z, exp.SignificanceThreshold, better, "cost"), nil
}

// comparable fetches an experiment with at least two variants. Callers
// hold e.mu.
func (e *ExperimentEngine) comparable(id string) (*Experiment, []VariantMetrics, error) {
	metrics, ok := e.metrics[id]
	if !ok {
		return nil, nil, fmt.Errorf("experiment %s not found", id)
	}
	if len(metrics) < 2 {
		return nil, nil, fmt.Errorf("need at least 2 variants")
	}
	return e.experiments[id], metrics, nil
}

func zResult(z, threshold float64, betterIdx int, metric string) *ZTestResult {
	p := 2 * normalCDF(-math.Abs(z)) // two-tailed
	return &ZTestResult{
		ZScore:      z,
		PValue:      p,
		Significant: p < (1 - threshold),
		BetterIdx:   betterIdx,
		Metric:      metric,
	}
}

// checkAutoSwitch picks the best variant by a composite of average cost
// and error rate, and concludes the experiment on it once its error rate
// is significantly lower than every other arm's. A pairing whose pooled
// error rate is 0 or 1 has no test and does not block the switch, so with
// no errors at all the cost term alone decides. Callers hold e.mu.
func (e *ExperimentEngine) checkAutoSwitch(exp *Experiment, metrics []VariantMetrics) {
	if len(metrics) < 2 {
		return
	}
	for _, m := range metrics {
		if m.Requests < int64(exp.MinSampleSize) {
			return
		}
	}

	// Composite score: cost-weighted with error rate.
	bestIdx := 0
	bestScore := math.MaxFloat64
	for i, m := range metrics {
		score := m.AvgCost*0.6 + m.ErrorRate*100*0.4
		if score < bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	best := metrics[bestIdx]
	nBest := float64(best.Requests)
	for i, m := range metrics {
		if i == bestIdx {
			continue
		}
		n := float64(m.Requests)
		pooled := (float64(best.Errors) + float64(m.Errors)) / (nBest + n)
		if pooled == 0 || pooled == 1 {
			continue
		}
		se := math.Sqrt(pooled * (1 - pooled) * (1/nBest + 1/n))
		if se == 0 {
			continue
		}
		z := (m.ErrorRate - best.ErrorRate) / se
		if normalCDF(-z) > (1 - exp.SignificanceThreshold) { // one-tailed
			return
		}
	}

	now := time.Now()
	exp.ConcludedAt = &now
	exp.Status = ExperimentConcluded
	exp.WinnerIdx = bestIdx
}

// normalCDF approximates the standard normal CDF (Abramowitz & Stegun).
func normalCDF(x float64) float64 {
	if x < -8 {
		return 0
	}
	if x > 8 {
		return 1
	}
	t := 1.0 / (1.0 + 0.2316419*math.Abs(x))
	d := 0.3989422804014327 // 1/sqrt(2*pi)
	prob := d * math.Exp(-x*x/2.0) *
		(t * (0.3193815 + t*(-0.3565638+t*(1.781478+t*(-1.821256+t*1.330274)))))
	if x > 0 {
		return 1 - prob
	}
	return prob
}
