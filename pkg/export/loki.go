package export

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/pkg/model"
)

// Loki push payload: stream entries grouped by label set, nanosecond
// timestamps as decimal strings.
type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

func newLokiSender(spec config.BackendSpec, client *http.Client, log *logger.Handler) *httpSender {
	return &httpSender{
		kind:        spec.Kind,
		endpoints:   spec.Endpoints,
		path:        "/loki/api/v1/push",
		contentType: "application/json",
		compress:    true,
		encode:      lokiPayload,
		client:      client,
		log:         log,
	}
}

// lokiPayload groups the batch into streams by label set, preserving the
// intra-batch record order within each stream.
func lokiPayload(batch *model.Batch) ([]byte, error) {
	order := make([]string, 0, 1)
	streams := make(map[string]*lokiStream)

	for _, rec := range batch.Records {
		key := labelKey(rec.Labels)
		stream, ok := streams[key]
		if !ok {
			stream = &lokiStream{Stream: rec.Labels}
			streams[key] = stream
			order = append(order, key)
		}
		stream.Values = append(stream.Values, [2]string{
			strconv.FormatInt(rec.Timestamp.UnixNano(), 10),
			rec.Text,
		})
	}

	push := lokiPush{Streams: make([]lokiStream, 0, len(order))}
	for _, key := range order {
		push.Streams = append(push.Streams, *streams[key])
	}
	return json.Marshal(push)
}

// labelKey builds a stable stream key from a label map.
func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
		sb.WriteByte(',')
	}
	return sb.String()
}
