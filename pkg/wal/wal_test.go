package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucienLassalle/SLE/pkg/model"
)

func testLogger(t *testing.T) *logger.Handler {
	log, err := logger.New("test", logger.Options{Format: logger.SyslogLogFormat})
	require.NoError(t, err)
	return log
}

func testRecord(text string) *model.LogRecord {
	return &model.LogRecord{
		Text:      text,
		Timestamp: time.Now(),
		Labels:    map[string]string{"job": "sle", "name": "nginx", "subname": "ACCESS", "filepath": "/tmp/a.log"},
		Source:    model.SourceID{Service: "nginx", Category: "ACCESS", Filepath: "/tmp/a.log"},
		Policy:    model.PolicyDisk,
	}
}

func TestAppendCreatesSequencedSegments(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root, testLogger(t), nil)
	require.NoError(t, err)

	require.NoError(t, w.Append(testRecord("one")))
	require.NoError(t, w.Append(testRecord("two")))

	dir := filepath.Join(root, "nginx", "ACCESS")
	for _, name := range []string{"0000000001.rec", "0000000002.rec"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestSequenceSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root, testLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(testRecord("one")))
	require.NoError(t, w.Append(testRecord("two")))

	w2, err := Open(root, testLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, w2.Append(testRecord("three")))

	_, err = os.Stat(filepath.Join(root, "nginx", "ACCESS", "0000000003.rec"))
	assert.NoError(t, err)
}

func TestReplayRoundTripInOrder(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root, testLogger(t), nil)
	require.NoError(t, err)

	original := testRecord("payload")
	require.NoError(t, w.Append(original))
	require.NoError(t, w.Append(testRecord("second")))

	w2, err := Open(root, testLogger(t), nil)
	require.NoError(t, err)
	replayed, err := w2.Replay()
	require.NoError(t, err)
	require.Len(t, replayed, 2)

	first := replayed[0]
	assert.Equal(t, uint64(1), first.Seq)
	assert.True(t, first.Record.Replayed)
	assert.Equal(t, original.Text, first.Record.Text)
	assert.Equal(t, original.Labels, first.Record.Labels)
	assert.Equal(t, original.Source, first.Record.Source)
	assert.Equal(t, original.Policy, first.Record.Policy)
	assert.True(t, original.Timestamp.Equal(first.Record.Timestamp))

	assert.Equal(t, uint64(2), replayed[1].Seq)
	assert.Equal(t, "second", replayed[1].Record.Text)
}

func TestCommitUnlinksSegments(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root, testLogger(t), nil)
	require.NoError(t, err)

	rec := testRecord("committed")
	require.NoError(t, w.Append(rec))
	require.NoError(t, w.Commit(rec.Source, []uint64{1}))

	replayed, err := w.Replay()
	require.NoError(t, err)
	assert.Empty(t, replayed)
}

func TestMalformedSegmentIsQuarantined(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "nginx", "ACCESS")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0000000007.rec"), []byte("{not json"), 0o644))

	w, err := Open(root, testLogger(t), nil)
	require.NoError(t, err)
	replayed, err := w.Replay()
	require.NoError(t, err)
	assert.Empty(t, replayed)

	_, err = os.Stat(filepath.Join(dir, "0000000007.rec.bad"))
	assert.NoError(t, err)
}

func TestStartupSweepRemovesExpiredSegments(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root, testLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(testRecord("stale")))

	path := filepath.Join(root, "nginx", "ACCESS", "0000000001.rec")
	old := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	w2, err := Open(root, testLogger(t), nil)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	replayed, err := w2.Replay()
	require.NoError(t, err)
	assert.Empty(t, replayed)
}
