package export

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/kumarabd/gokit/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/pkg/model"
)

type commitStub struct {
	mu      sync.Mutex
	commits map[string][]uint64
}

func newCommitStub() *commitStub {
	return &commitStub{commits: make(map[string][]uint64)}
}

func (c *commitStub) Commit(id model.SourceID, seqs []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits[id.String()] = append(c.commits[id.String()], seqs...)
	return nil
}

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

func lokiBatch(texts ...string) *model.Batch {
	source := model.SourceID{Service: "nginx", Category: "ACCESS", Filepath: "/tmp/a.log"}
	b := &model.Batch{Source: source}
	for i, text := range texts {
		b.Records = append(b.Records, &model.LogRecord{
			Text:      text,
			Timestamp: time.Unix(1760660776, int64(i)),
			Labels: map[string]string{
				"job": "sle", "name": "nginx", "subname": "ACCESS",
				"filepath": "/tmp/a.log", "level": "INFO",
			},
			Source: source,
			Policy: model.PolicyDrop,
		})
	}
	return b
}

func newExporter(t *testing.T, kind config.BackendKind, endpoints []string, commit CommitSink, spill Spiller) *Exporter {
	e, err := New([]config.BackendSpec{{Kind: kind, Endpoints: endpoints}}, commit, spill, testLogger(t), nil)
	require.NoError(t, err)
	return e
}

func TestLokiPayloadConformance(t *testing.T) {
	var body []byte
	var encoding, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		encoding = r.Header.Get("Content-Encoding")
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, err = io.ReadAll(zr)
		require.NoError(t, err)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := newExporter(t, config.KindLoki, []string{srv.URL}, newCommitStub(), &spillStub{})
	e.Export(context.Background(), lokiBatch("Complete!"))

	assert.Equal(t, "/loki/api/v1/push", path)
	assert.Equal(t, "gzip", encoding)

	var push struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(body, &push))
	require.Len(t, push.Streams, 1)
	assert.Equal(t, "sle", push.Streams[0].Stream["job"])
	assert.Equal(t, "nginx", push.Streams[0].Stream["name"])
	assert.Equal(t, "ACCESS", push.Streams[0].Stream["subname"])
	assert.Equal(t, "INFO", push.Streams[0].Stream["level"])
	require.Len(t, push.Streams[0].Values, 1)
	assert.Equal(t, "1760660776000000000", push.Streams[0].Values[0][0])
	assert.Equal(t, "Complete!", push.Streams[0].Values[0][1])
}

func TestLokiPreservesIntraBatchOrder(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zr, _ := gzip.NewReader(r.Body)
		body, _ = io.ReadAll(zr)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := newExporter(t, config.KindLoki, []string{srv.URL}, newCommitStub(), &spillStub{})
	e.Export(context.Background(), lokiBatch("first", "second", "third"))

	var push lokiPush
	require.NoError(t, json.Unmarshal(body, &push))
	require.Len(t, push.Streams, 1)
	require.Len(t, push.Streams[0].Values, 3)
	assert.Equal(t, "first", push.Streams[0].Values[0][1])
	assert.Equal(t, "second", push.Streams[0].Values[1][1])
	assert.Equal(t, "third", push.Streams[0].Values[2][1])
}

func TestHAFanOutAnySuccessDelivers(t *testing.T) {
	var okHits, badHits atomic.Int64
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okHits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	commit := newCommitStub()
	spill := &spillStub{}
	e := newExporter(t, config.KindLoki, []string{bad.URL, ok.URL}, commit, spill)

	batch := lokiBatch("payload")
	batch.Records[0].Replayed = true
	batch.Records[0].WALSeq = 7
	e.Export(context.Background(), batch)

	assert.Equal(t, int64(1), okHits.Load())
	// The failing endpoint exhausts its retries.
	assert.Equal(t, int64(1+retryMax), badHits.Load())
	assert.Equal(t, []uint64{7}, commit.commits[batch.Source.String()])
	assert.Equal(t, 0, spill.count())
}

func TestRetryOnTransientFailure(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	commit := newCommitStub()
	e := newExporter(t, config.KindLoki, []string{srv.URL}, commit, &spillStub{})

	batch := lokiBatch("retry me")
	batch.Records[0].Replayed = true
	batch.Records[0].WALSeq = 1
	e.Export(context.Background(), batch)

	assert.Equal(t, int64(3), hits.Load())
	assert.Len(t, commit.commits[batch.Source.String()], 1)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	spill := &spillStub{}
	e := newExporter(t, config.KindLoki, []string{srv.URL}, newCommitStub(), spill)

	batch := lokiBatch("poisoned")
	e.Export(context.Background(), batch)

	assert.Equal(t, int64(1), hits.Load())
}

func TestTooManyRequestsIsRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := newExporter(t, config.KindLoki, []string{srv.URL}, newCommitStub(), &spillStub{})
	e.Export(context.Background(), lokiBatch("throttled"))

	assert.Equal(t, int64(2), hits.Load())
}

func TestTotalFailureSpillsDiskRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	commit := newCommitStub()
	spill := &spillStub{}
	e := newExporter(t, config.KindLoki, []string{srv.URL}, commit, spill)

	batch := lokiBatch("keep", "lose")
	batch.Records[0].Policy = model.PolicyDisk
	batch.Records[1].Policy = model.PolicyDrop
	e.Export(context.Background(), batch)

	require.Equal(t, 1, spill.count())
	assert.Equal(t, "keep", spill.records[0].Text)
	assert.Empty(t, commit.commits)
}

func TestTotalFailureLeavesReplayedSegmentsAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	spill := &spillStub{}
	e := newExporter(t, config.KindLoki, []string{srv.URL}, newCommitStub(), spill)

	batch := lokiBatch("replayed")
	batch.Records[0].Policy = model.PolicyDisk
	batch.Records[0].Replayed = true
	batch.Records[0].WALSeq = 2
	e.Export(context.Background(), batch)

	assert.Equal(t, 0, spill.count(), "replayed records keep their segment on disk")
}

func TestGenericBackendBody(t *testing.T) {
	var body []byte
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newExporter(t, config.KindFluentBit, []string{srv.URL}, newCommitStub(), &spillStub{})
	e.Export(context.Background(), lokiBatch("generic"))

	assert.Equal(t, "/sle", path)

	var records []struct {
		Timestamp int64             `json:"timestamp"`
		Labels    map[string]string `json:"labels"`
		Message   string            `json:"message"`
	}
	require.NoError(t, json.Unmarshal(body, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "generic", records[0].Message)
	assert.Equal(t, int64(1760660776000000000), records[0].Timestamp)
	assert.Equal(t, "sle", records[0].Labels["job"])
}

func TestVictoriaLogsJSONLine(t *testing.T) {
	var body []byte
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newExporter(t, config.KindVictoriaLogs, []string{srv.URL}, newCommitStub(), &spillStub{})
	e.Export(context.Background(), lokiBatch("vl line"))

	assert.Equal(t, "/insert/jsonline", path)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, "vl line", entry["_msg"])
	assert.Equal(t, "sle", entry["job"])
}
