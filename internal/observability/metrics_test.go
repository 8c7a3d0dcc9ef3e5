package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordEngine(t *testing.T) {
	m := NewMetrics()
	m.RecordEngine("assignment", "queued")
	m.RecordEngine("assignment", "queued")
	m.RecordEngine("assignment", "assigned")

	assert.Equal(t, int64(2), m.EngineCount("assignment", "queued"))
	assert.Equal(t, int64(1), m.EngineCount("assignment", "assigned"))
	assert.Equal(t, int64(0), m.EngineCount("reassignment", "assigned"))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("/x", "GET", 200, time.Millisecond)
	m.RecordError("/x", "GET", "NOT_FOUND")
	m.RecordEngine("sweep", "closed")
	assert.Nil(t, m.Snapshot())
}

func TestMetrics_Snapshot(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("/v1/assignments", "POST", 200, time.Millisecond)
	m.RecordError("/v1/assignments", "POST", "VALIDATION_FAILED")

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["requests"]["/v1/assignments|POST|200"])
	assert.Equal(t, int64(1), snap["errors"]["/v1/assignments|POST|VALIDATION_FAILED"])
}
