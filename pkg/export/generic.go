package export

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/pkg/model"
)

// newGenericSender covers every HTTP backend other than Loki. The default
// body is a JSON array keyed by {timestamp, labels, message}; per-kind
// settings change the request path, the content type and the payload
// encoding their ingestion API expects.
func newGenericSender(spec config.BackendSpec, client *http.Client, log *logger.Handler) *httpSender {
	s := &httpSender{
		kind:        spec.Kind,
		endpoints:   spec.Endpoints,
		contentType: "application/json",
		encode:      genericPayload,
		client:      client,
		log:         log,
	}

	switch spec.Kind {
	case config.KindElasticsearch, config.KindOpenSearch:
		s.path = "/_bulk"
		s.contentType = "application/x-ndjson"
		s.encode = bulkPayload
	case config.KindGraylog:
		s.path = "/gelf"
		s.encode = gelfPayload
	case config.KindVictoriaLogs:
		s.path = "/insert/jsonline"
		s.contentType = "application/stream+json"
		s.encode = jsonLinePayload
	case config.KindClickHouse:
		s.contentType = "text/plain"
		s.encode = clickhousePayload
	case config.KindFluentBit:
		s.path = "/sle"
	}
	return s
}

// genericPayload is the default body: a JSON array of flat records.
func genericPayload(batch *model.Batch) ([]byte, error) {
	type record struct {
		Timestamp int64             `json:"timestamp"`
		Labels    map[string]string `json:"labels"`
		Message   string            `json:"message"`
	}
	out := make([]record, 0, len(batch.Records))
	for _, rec := range batch.Records {
		out = append(out, record{
			Timestamp: rec.Timestamp.UnixNano(),
			Labels:    rec.Labels,
			Message:   rec.Text,
		})
	}
	return json.Marshal(out)
}

// bulkPayload is the ElasticSearch/OpenSearch bulk NDJSON body against a
// daily index.
func bulkPayload(batch *model.Batch) ([]byte, error) {
	index := "sle-logs-" + time.Now().UTC().Format("2006-01-02")

	var buf bytes.Buffer
	for _, rec := range batch.Records {
		action := map[string]map[string]string{"index": {"_index": index}}
		doc := map[string]any{
			"@timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
			"message":    rec.Text,
			"labels":     rec.Labels,
			"job":        "sle",
			"service":    rec.Source.Service,
			"category":   rec.Source.Category,
			"filepath":   rec.Source.Filepath,
		}
		for _, v := range []any{action, doc} {
			line, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

// gelfPayload renders GELF 1.1 messages, one JSON object per line.
func gelfPayload(batch *model.Batch) ([]byte, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "sle"
	}

	var buf bytes.Buffer
	for _, rec := range batch.Records {
		msg := map[string]any{
			"version":       "1.1",
			"host":          host,
			"short_message": rec.Text,
			"timestamp":     float64(rec.Timestamp.UnixNano()) / 1e9,
			"_job":          "sle",
			"_service":      rec.Source.Service,
			"_category":     rec.Source.Category,
			"_filepath":     rec.Source.Filepath,
		}
		line, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// jsonLinePayload is the VictoriaLogs jsonline insert body.
func jsonLinePayload(batch *model.Batch) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range batch.Records {
		entry := map[string]any{
			"_time": rec.Timestamp.UnixNano(),
			"_msg":  rec.Text,
		}
		for k, v := range rec.Labels {
			entry[k] = v
		}
		line, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// clickhousePayload is an HTTP INSERT with one JSON row per record.
func clickhousePayload(batch *model.Batch) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "INSERT INTO logs.sle_logs (timestamp, message, job, service, category, filepath) FORMAT JSONEachRow")
	for _, rec := range batch.Records {
		row := map[string]any{
			"timestamp": rec.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			"message":   rec.Text,
			"job":       "sle",
			"service":   rec.Source.Service,
			"category":  rec.Source.Category,
			"filepath":  rec.Source.Filepath,
		}
		line, err := json.Marshal(row)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
