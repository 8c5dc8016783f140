// Package health aggregates component health checks for the readiness
// endpoint.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status of a single check or the whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
	Critical bool          `json:"critical"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	name     string
	critical bool
	check    func(ctx context.Context) error
}

// NewChecker wraps a probe function.
func NewChecker(name string, critical bool, check func(ctx context.Context) error) *CheckerFunc {
	return &CheckerFunc{name: name, critical: critical, check: check}
}

func (c *CheckerFunc) Name() string   { return c.name }
func (c *CheckerFunc) Critical() bool { return c.critical }

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Status: StatusHealthy, Critical: c.critical}
	if err := c.check(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// Report is the aggregate health of the service.
type Report struct {
	Status  Status        `json:"status"`
	Service string        `json:"service"`
	Time    time.Time     `json:"time"`
	Checks  []CheckResult `json:"checks"`
}

// HTTPStatus maps the report to a response code.
func (r *Report) HTTPStatus() int {
	if r.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Aggregator runs registered checks with a shared timeout.
type Aggregator struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	service  string
}

// NewAggregator creates a health aggregator.
func NewAggregator(service string, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Aggregator{service: service, timeout: timeout}
}

// Add registers a checker.
func (a *Aggregator) Add(checker Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkers = append(a.checkers, checker)
}

// Check runs every checker. A failing critical check makes the whole report
// unhealthy; non-critical failures degrade it.
func (a *Aggregator) Check(ctx context.Context) *Report {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	a.mu.RLock()
	checkers := append([]Checker(nil), a.checkers...)
	a.mu.RUnlock()

	report := &Report{Status: StatusHealthy, Service: a.service, Time: time.Now().UTC()}
	for _, checker := range checkers {
		result := a.runOne(ctx, checker)
		report.Checks = append(report.Checks, result)
		if result.Status == StatusUnhealthy {
			if result.Critical {
				report.Status = StatusUnhealthy
			} else if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func (a *Aggregator) runOne(ctx context.Context, checker Checker) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{
				Name:     checker.Name(),
				Status:   StatusUnhealthy,
				Message:  fmt.Sprintf("check panicked: %v", r),
				Critical: checker.Critical(),
			}
		}
	}()
	return checker.Check(ctx)
}

// DatabaseChecker probes the database with a ping function.
func DatabaseChecker(ping func(ctx context.Context) error) Checker {
	return NewChecker("database", true, ping)
}

// HTTPChecker probes an HTTP dependency's reachability.
func HTTPChecker(name, url string, critical bool) Checker {
	client := &http.Client{Timeout: 5 * time.Second}
	return NewChecker(name, critical, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s returned %d", name, resp.StatusCode)
		}
		return nil
	})
}
