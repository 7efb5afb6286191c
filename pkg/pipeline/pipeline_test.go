package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucienLassalle/SLE/pkg/model"
	"github.com/LucienLassalle/SLE/pkg/queue"
	"github.com/LucienLassalle/SLE/pkg/ratelimit"
)

type spillStub struct {
	mu      sync.Mutex
	records []*model.LogRecord
}

func (s *spillStub) Append(rec *model.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *spillStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testLogger(t *testing.T) *logger.Handler {
	log, err := logger.New("test", logger.Options{Format: logger.SyslogLogFormat})
	require.NoError(t, err)
	return log
}

func testPipeline(t *testing.T, capacity int) (*Pipeline, *queue.Queue, *ratelimit.Registry, *spillStub) {
	log := testLogger(t)
	q := queue.New(capacity, false, log, nil)
	limits := ratelimit.New()
	spill := &spillStub{}
	return New(q, limits, spill, log, nil), q, limits, spill
}

func fileInput(line string) Input {
	return Input{
		Line:     line,
		Name:     "nginx",
		Subname:  "ACCESS",
		Filepath: "/tmp/a.log",
		Labels:   map[string]string{"team": "web"},
		Source:   model.SourceID{Service: "nginx", Category: "ACCESS", Filepath: "/tmp/a.log"},
		Policy:   model.PolicyDrop,
	}
}

func TestEmitSetsMandatoryLabels(t *testing.T) {
	p, q, _, _ := testPipeline(t, 10)

	p.Emit(fileInput("2025-10-17T02:26:16+0200 INFO Complete!"))

	rec, ok := q.Poll(time.Second)
	require.True(t, ok)
	assert.Equal(t, "sle", rec.Labels["job"])
	assert.Equal(t, "nginx", rec.Labels["name"])
	assert.Equal(t, "ACCESS", rec.Labels["subname"])
	assert.Equal(t, "/tmp/a.log", rec.Labels["filepath"])
	assert.Equal(t, "INFO", rec.Labels["level"])
	assert.Equal(t, "web", rec.Labels["team"])
	assert.Equal(t, "Complete!", rec.Text)
	assert.Equal(t, int64(1760660776000000000), rec.Timestamp.UnixNano())
}

func TestEmitWithoutLevelOmitsLabel(t *testing.T) {
	p, q, _, _ := testPipeline(t, 10)

	p.Emit(fileInput("plain line"))

	rec, ok := q.Poll(time.Second)
	require.True(t, ok)
	_, present := rec.Labels["level"]
	assert.False(t, present)
}

func TestPresetTimestampIsAuthoritative(t *testing.T) {
	p, q, _, _ := testPipeline(t, 10)

	in := fileInput("journal message")
	in.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.Emit(in)

	rec, ok := q.Poll(time.Second)
	require.True(t, ok)
	assert.Equal(t, in.Timestamp, rec.Timestamp)
}

func TestRateLimitRejectionDropsByPolicy(t *testing.T) {
	p, q, limits, spill := testPipeline(t, 10)
	id := fileInput("").Source
	limits.Configure(id, 1)

	p.Emit(fileInput("first"))
	p.Emit(fileInput("second"))

	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 0, spill.count())
}

func TestRateLimitRejectionSpillsDiskPolicy(t *testing.T) {
	p, q, limits, spill := testPipeline(t, 10)
	id := fileInput("").Source
	limits.Configure(id, 1)

	in := fileInput("first")
	in.Policy = model.PolicyDisk
	p.Emit(in)
	in2 := fileInput("second")
	in2.Policy = model.PolicyDisk
	p.Emit(in2)

	assert.Equal(t, 1, q.Depth())
	require.Equal(t, 1, spill.count())
	assert.Equal(t, "second", spill.records[0].Text)
}

func TestQueueFullSpillsDiskPolicy(t *testing.T) {
	p, _, _, spill := testPipeline(t, 1)

	in := fileInput("one")
	in.Policy = model.PolicyDisk
	p.Emit(in)
	in2 := fileInput("two")
	in2.Policy = model.PolicyDisk
	p.Emit(in2)

	require.Equal(t, 1, spill.count())
	assert.Equal(t, "two", spill.records[0].Text)
}

func TestInjectReplayedRecord(t *testing.T) {
	p, q, _, _ := testPipeline(t, 10)

	rec := &model.LogRecord{
		Text:     "replayed",
		Labels:   map[string]string{"job": "sle", "name": "n", "subname": "s", "filepath": "/f"},
		Source:   model.SourceID{Service: "n", Category: "s", Filepath: "/f"},
		Policy:   model.PolicyDisk,
		Replayed: true,
		WALSeq:   3,
	}
	p.Inject(rec)

	got, ok := q.Poll(time.Second)
	require.True(t, ok)
	assert.True(t, got.Replayed)
	assert.Equal(t, uint64(3), got.WALSeq)
}
