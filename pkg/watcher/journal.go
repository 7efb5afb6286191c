package watcher

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/pkg/model"
	"github.com/LucienLassalle/SLE/pkg/pipeline"
)

// JournalWatcher streams the systemd journal from the present tail via
// `journalctl -f -o json`. Init or read failures back off the same way the
// file tailer does on a missing file.
type JournalWatcher struct {
	labels map[string]string
	policy model.OverflowPolicy
	pipe   *pipeline.Pipeline
	log    *logger.Handler
}

func NewJournalWatcher(labels map[string]string, pipe *pipeline.Pipeline, log *logger.Handler) *JournalWatcher {
	return &JournalWatcher{
		labels: labels,
		policy: model.PolicyDrop,
		pipe:   pipe,
		log:    log,
	}
}

// Run spawns journalctl and streams entries until ctx is cancelled.
func (w *JournalWatcher) Run(ctx context.Context) error {
	backoff := openBackoffMin
	for {
		err := w.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Error().Err(err).Msg("journal stream ended, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > openBackoffMax {
			backoff = openBackoffMax
		}
	}
}

func (w *JournalWatcher) stream(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "journalctl", "-f", "-o", "json", "--no-pager")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	w.log.Info().Msg("tailing systemd journal")

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		w.handleEntry(line)
	}
	if err := cmd.Wait(); err != nil {
		return err
	}
	return scanner.Err()
}

func (w *JournalWatcher) handleEntry(line string) {
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		w.log.Debug().Err(err).Msg("unparseable journal entry skipped")
		return
	}

	message, _ := entry["MESSAGE"].(string)
	if message == "" {
		return
	}

	unit, _ := entry["_SYSTEMD_UNIT"].(string)
	identifier, _ := entry["SYSLOG_IDENTIFIER"].(string)
	service := strings.TrimSuffix(unit, ".service")
	if service == "" {
		service = identifier
	}
	if service == "" {
		service = "unknown"
	}
	origin := "journald:" + service
	if unit != "" {
		origin = "journald:" + unit
	}

	w.pipe.Emit(pipeline.Input{
		Line:      message,
		Name:      "journald",
		Subname:   strings.ToUpper(service),
		Filepath:  origin,
		Labels:    w.labels,
		Source:    model.SourceID{Service: "journald", Category: strings.ToUpper(service), Filepath: origin},
		Policy:    w.policy,
		Timestamp: journalTimestamp(entry),
	})
}

// journalTimestamp converts __REALTIME_TIMESTAMP (microseconds since epoch,
// encoded as a decimal string) to a time. Zero when absent; the pipeline
// then falls back to the wall clock.
func journalTimestamp(entry map[string]any) time.Time {
	raw, _ := entry["__REALTIME_TIMESTAMP"].(string)
	if raw == "" {
		return time.Time{}
	}
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(micros)
}
