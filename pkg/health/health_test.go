package health

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatorAllHealthy(t *testing.T) {
	agg := NewAggregator("test-service", time.Second)
	agg.Add(NewChecker("a", true, func(context.Context) error { return nil }))
	agg.Add(NewChecker("b", false, func(context.Context) error { return nil }))

	report := agg.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "test-service", report.Service)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, http.StatusOK, report.HTTPStatus())
}

func TestAggregatorCriticalFailureIsUnhealthy(t *testing.T) {
	agg := NewAggregator("test-service", time.Second)
	agg.Add(NewChecker("db", true, func(context.Context) error { return errors.New("down") }))
	agg.Add(NewChecker("cache", false, func(context.Context) error { return nil }))

	report := agg.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, http.StatusServiceUnavailable, report.HTTPStatus())
}

func TestAggregatorNonCriticalFailureDegrades(t *testing.T) {
	agg := NewAggregator("test-service", time.Second)
	agg.Add(NewChecker("db", true, func(context.Context) error { return nil }))
	agg.Add(NewChecker("cache", false, func(context.Context) error { return errors.New("slow") }))

	report := agg.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, http.StatusOK, report.HTTPStatus())
}

func TestAggregatorRecoversPanickingCheck(t *testing.T) {
	agg := NewAggregator("test-service", time.Second)
	agg.Add(NewChecker("flaky", true, func(context.Context) error { panic("boom") }))

	report := agg.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Contains(t, report.Checks[0].Message, "panicked")
}

func TestDatabaseCheckerIsCritical(t *testing.T) {
	checker := DatabaseChecker(func(context.Context) error { return nil })
	assert.Equal(t, "database", checker.Name())
	assert.True(t, checker.Critical())
}
