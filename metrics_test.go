package vexfs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicMetricsCollector(t *testing.T) {
	var mc BasicMetricsCollector

	mc.RecordInsert(time.Millisecond, nil)
	mc.RecordInsert(time.Millisecond, errors.New("boom"))
	mc.RecordBatchInsert(100, 3, time.Second)
	mc.RecordSearch(10, time.Millisecond, nil)
	mc.RecordDelete(time.Millisecond, nil)
	mc.RecordRebuild(time.Second, errors.New("boom"))

	assert.Equal(t, int64(2), mc.InsertCount.Load())
	assert.Equal(t, int64(1), mc.InsertErrors.Load())
	assert.Equal(t, int64(100), mc.BatchInsertItems.Load())
	assert.Equal(t, int64(3), mc.BatchInsertFailed.Load())
	assert.Equal(t, int64(1), mc.SearchCount.Load())
	assert.Equal(t, int64(1), mc.DeleteCount.Load())
	assert.Equal(t, int64(1), mc.RebuildErrors.Load())
}

func TestEngineRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	var mc BasicMetricsCollector
	e, _ := newTestEngine(t, WithMetricsCollector(&mc))
	createHNSW(t, e, "docs", 2)

	_, err := e.Insert(ctx, "docs", Item{Vector: []float32{1, 0}})
	require.NoError(t, err)
	_, err = e.Insert(ctx, "docs", Item{Vector: []float32{1, 0, 0}})
	require.Error(t, err)

	_, _, err = e.Search(ctx, "docs", []float32{1, 0}, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(2), mc.InsertCount.Load())
	assert.Equal(t, int64(1), mc.InsertErrors.Load())
	assert.Equal(t, int64(1), mc.SearchCount.Load())
}

func TestPrometheusMetricsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	mc := NewPrometheusMetricsCollector(reg)

	mc.RecordInsert(time.Millisecond, nil)
	mc.RecordSearch(10, time.Millisecond, errors.New("boom"))
	mc.RecordBatchInsert(50, 2, time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["vexfs_operations_total"])
	assert.True(t, names["vexfs_operation_duration_seconds"])
	assert.True(t, names["vexfs_batch_items_total"])
}
