package loadtest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/platformbuilds/mirador-session/internal/session"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// Operation is one simulated client request against a session
type Operation string

const (
	OpCreate     Operation = "create"
	OpSet        Operation = "set"
	OpGet        Operation = "get"
	OpRemove     Operation = "remove"
	OpInvalidate Operation = "invalidate"
)

const maxRecordedErrors = 20

// LoadTestConfig holds configuration for load testing
type LoadTestConfig struct {
	// Test duration
	Duration time.Duration

	// Number of concurrent workers
	ConcurrentWorkers int

	// Operation mix
	Operations []OperationPattern

	// Size of the values written by create and set
	PayloadBytes int

	// Attribute names a worker spreads its writes over
	AttributeNames int

	// Pause between two requests of one worker
	ThinkTime time.Duration
}

// OperationPattern represents an operation with weight for distribution
type OperationPattern struct {
	Operation Operation
	Weight    int
}

// DefaultOperations approximates a read-mostly web workload
func DefaultOperations() []OperationPattern {
	return []OperationPattern{
		{OpCreate, 10},
		{OpSet, 35},
		{OpGet, 45},
		{OpRemove, 5},
		{OpInvalidate, 5},
	}
}

// ParseMix parses "create=10,set=50,get=40" into operation patterns
func ParseMix(mix string) ([]OperationPattern, error) {
	if strings.TrimSpace(mix) == "" {
		return DefaultOperations(), nil
	}
	var out []OperationPattern
	for _, part := range strings.Split(mix, ",") {
		name, weight, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("invalid mix entry %q, want op=weight", part)
		}
		op := Operation(strings.ToLower(strings.TrimSpace(name)))
		switch op {
		case OpCreate, OpSet, OpGet, OpRemove, OpInvalidate:
		default:
			return nil, fmt.Errorf("unknown operation %q", name)
		}
		w, err := strconv.Atoi(strings.TrimSpace(weight))
		if err != nil || w < 0 {
			return nil, fmt.Errorf("invalid weight for %s: %q", op, weight)
		}
		out = append(out, OperationPattern{Operation: op, Weight: w})
	}
	return out, nil
}

// LoadTestResult holds the results of a load test
type LoadTestResult struct {
	TotalDuration        time.Duration
	TotalOperations      int64
	SuccessfulOperations int64
	FailedOperations     int64
	AvgOperationTime     time.Duration
	P95OperationTime     time.Duration
	P99OperationTime     time.Duration
	OPS                  float64
	ByOperation          map[Operation]int64
	SessionsCreated      int64
	Errors               []error
}

// LoadTester drives request-scoped session traffic through a manager
type LoadTester struct {
	config  *LoadTestConfig
	logger  logger.Logger
	manager *session.Manager

	mu      sync.Mutex
	results *LoadTestResult
	times   []time.Duration
}

// NewLoadTester creates a new load tester
func NewLoadTester(config *LoadTestConfig, manager *session.Manager, log logger.Logger) (*LoadTester, error) {
	if manager == nil {
		return nil, errors.New("session manager is required")
	}
	if config == nil || config.ConcurrentWorkers <= 0 {
		return nil, errors.New("at least one worker is required")
	}
	if config.Duration <= 0 {
		return nil, errors.New("duration must be positive")
	}
	total := 0
	for _, p := range config.Operations {
		total += p.Weight
	}
	if total <= 0 {
		return nil, errors.New("operation mix has no weight")
	}
	if config.AttributeNames <= 0 {
		config.AttributeNames = 8
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &LoadTester{
		config:  config,
		logger:  log,
		manager: manager,
	}, nil
}

// RunLoadTest executes the load test
func (lt *LoadTester) RunLoadTest(ctx context.Context) (*LoadTestResult, error) {
	lt.results = &LoadTestResult{ByOperation: make(map[Operation]int64)}
	lt.times = nil

	lt.logger.Info("Starting load test", "duration", lt.config.Duration, "workers", lt.config.ConcurrentWorkers)

	testCtx, cancel := context.WithTimeout(ctx, lt.config.Duration)
	defer cancel()

	startTime := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < lt.config.ConcurrentWorkers; i++ {
		wg.Add(1)
		go lt.worker(testCtx, &wg, rand.New(rand.NewSource(startTime.UnixNano()+int64(i))))
	}
	wg.Wait()

	r := lt.results
	r.TotalDuration = time.Since(startTime)
	if len(lt.times) > 0 {
		sort.Slice(lt.times, func(i, j int) bool { return lt.times[i] < lt.times[j] })
		r.AvgOperationTime = calculateAverage(lt.times)
		r.P95OperationTime = calculatePercentile(lt.times, 95)
		r.P99OperationTime = calculatePercentile(lt.times, 99)
	}
	if secs := r.TotalDuration.Seconds(); secs > 0 {
		r.OPS = float64(r.TotalOperations) / secs
	}

	lt.logger.Info("Load test completed",
		"total_operations", r.TotalOperations,
		"failed_operations", r.FailedOperations,
		"avg_operation_time", r.AvgOperationTime,
		"ops", r.OPS)

	return r, nil
}

type workerState struct {
	rng      *rand.Rand
	sessions []string
	times    []time.Duration
	byOp     map[Operation]int64
	created  int64
	failed   int64
	errs     []error
}

func (lt *LoadTester) worker(ctx context.Context, wg *sync.WaitGroup, rng *rand.Rand) {
	defer wg.Done()
	st := &workerState{rng: rng, byOp: make(map[Operation]int64)}
	defer lt.merge(st)

	for ctx.Err() == nil {
		op := lt.selectRandomOperation(rng)
		if len(st.sessions) == 0 {
			op = OpCreate
		}

		start := time.Now()
		err := lt.execute(ctx, st, op)
		if ctx.Err() != nil && err != nil {
			// interrupted by the deadline, not a failure of the node
			return
		}
		st.byOp[op]++
		if err != nil {
			st.failed++
			if len(st.errs) < maxRecordedErrors {
				st.errs = append(st.errs, fmt.Errorf("%s: %w", op, err))
			}
		} else {
			st.times = append(st.times, time.Since(start))
		}

		if lt.config.ThinkTime > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(lt.config.ThinkTime):
			}
		}
	}
}

func (lt *LoadTester) merge(st *workerState) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	r := lt.results
	for op, n := range st.byOp {
		r.ByOperation[op] += n
		r.TotalOperations += n
	}
	r.FailedOperations += st.failed
	r.SuccessfulOperations += int64(len(st.times))
	r.SessionsCreated += st.created
	for _, err := range st.errs {
		if len(r.Errors) < maxRecordedErrors {
			r.Errors = append(r.Errors, err)
		}
	}
	lt.times = append(lt.times, st.times...)
}

// execute runs op inside its own request scope, the way a servlet request
// would touch the session.
func (lt *LoadTester) execute(ctx context.Context, st *workerState, op Operation) (err error) {
	req := lt.manager.Request(ctx, nil)
	defer func() {
		if endErr := req.End(); err == nil {
			err = endErr
		}
	}()
	rctx := req.Context()

	if op == OpCreate {
		s, err := req.CreateSession()
		if err != nil {
			return err
		}
		st.created++
		st.sessions = append(st.sessions, s.ID())
		return lt.manager.SetAttribute(rctx, s, lt.attributeName(st), lt.payload(st))
	}

	idx := st.rng.Intn(len(st.sessions))
	s, err := req.FindSession(st.sessions[idx])
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			st.forget(idx)
		}
		return err
	}

	switch op {
	case OpSet:
		return lt.manager.SetAttribute(rctx, s, lt.attributeName(st), lt.payload(st))
	case OpGet:
		_, err := lt.manager.GetAttribute(rctx, s, lt.attributeName(st))
		return err
	case OpRemove:
		return lt.manager.RemoveAttribute(rctx, s, lt.attributeName(st))
	case OpInvalidate:
		st.forget(idx)
		return lt.manager.Invalidate(rctx, s, session.InvalidateOptions{Notify: true, LocalCall: true})
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

func (st *workerState) forget(idx int) {
	last := len(st.sessions) - 1
	st.sessions[idx] = st.sessions[last]
	st.sessions = st.sessions[:last]
}

func (lt *LoadTester) attributeName(st *workerState) string {
	return "attr-" + strconv.Itoa(st.rng.Intn(lt.config.AttributeNames))
}

func (lt *LoadTester) payload(st *workerState) []byte {
	buf := make([]byte, lt.config.PayloadBytes)
	st.rng.Read(buf)
	return buf
}

// selectRandomOperation selects an operation based on weights
func (lt *LoadTester) selectRandomOperation(rng *rand.Rand) Operation {
	totalWeight := 0
	for _, pattern := range lt.config.Operations {
		totalWeight += pattern.Weight
	}

	r := rng.Intn(totalWeight)
	cumulative := 0
	for _, pattern := range lt.config.Operations {
		cumulative += pattern.Weight
		if r < cumulative {
			return pattern.Operation
		}
	}
	return lt.config.Operations[0].Operation
}

func calculateAverage(times []time.Duration) time.Duration {
	if len(times) == 0 {
		return 0
	}
	var sum time.Duration
	for _, t := range times {
		sum += t
	}
	return sum / time.Duration(len(times))
}

// calculatePercentile expects sorted input
func calculatePercentile(sorted []time.Duration, percentile float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * percentile / 100.0)
	return sorted[index]
}
