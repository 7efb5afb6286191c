package config

import (
	"strings"

	"github.com/LucienLassalle/SLE/pkg/model"
)

var (
	ApplicationName    = "sle"
	ApplicationVersion = "dev"
)

// Defaults applied when the config files leave a knob unset.
const (
	DefaultConfigDir  = "/etc/sle.d"
	DefaultWALDir     = "/var/lib/sle/buffer"
	DefaultQueueSize  = 5000
	DefaultDelimiter  = "\n"
	DefaultBufferSize = 1
)

// BackendKind names a supported log-ingestion backend, derived from the
// config key prefix before _IP (LOKI_IP -> KindLoki).
type BackendKind string

const (
	KindLoki          BackendKind = "loki"
	KindElasticsearch BackendKind = "elasticsearch"
	KindOpenSearch    BackendKind = "opensearch"
	KindGraylog       BackendKind = "graylog"
	KindVictoriaLogs  BackendKind = "victorialogs"
	KindClickHouse    BackendKind = "clickhouse"
	KindFluentBit     BackendKind = "fluentbit"
	KindKafka         BackendKind = "kafka"
	KindCloudWatch    BackendKind = "cloudwatch"
	KindGCP           BackendKind = "gcp"
	KindAzure         BackendKind = "azure"
)

// backendKinds maps the key prefix (upper-case, suffix _IP stripped) to the
// backend kind. ELASTIC and ELASTICSEARCH are aliases.
var backendKinds = map[string]BackendKind{
	"LOKI":          KindLoki,
	"ELASTIC":       KindElasticsearch,
	"ELASTICSEARCH": KindElasticsearch,
	"OPENSEARCH":    KindOpenSearch,
	"GRAYLOG":       KindGraylog,
	"VICTORIALOGS":  KindVictoriaLogs,
	"CLICKHOUSE":    KindClickHouse,
	"FLUENTBIT":     KindFluentBit,
	"KAFKA":         KindKafka,
	"CLOUDWATCH":    KindCloudWatch,
	"GCP":           KindGCP,
	"AZURE":         KindAzure,
}

// BackendSpec is one configured backend with its HA endpoint set. A single
// URL in the config is normalized to a one-element list.
type BackendSpec struct {
	Kind      BackendKind
	Endpoints []string
}

// SourceSpec describes one watched file (or glob pattern). Immutable after
// load; a reload builds a fresh set.
type SourceSpec struct {
	Service    string
	Category   string
	Path       string
	Delimiter  string
	Labels     map[string]string
	RateLimit  float64 // records per second; 0 = unlimited
	BufferSize int     // records per batch; >= 1
	Policy     model.OverflowPolicy
}

// IsGlob reports whether Path needs wildcard expansion.
func (s SourceSpec) IsGlob() bool {
	return strings.ContainsAny(s.Path, "*?[")
}

// ID is the source identity for a concrete path matched by this spec.
func (s SourceSpec) ID(path string) model.SourceID {
	return model.SourceID{Service: s.Service, Category: s.Category, Filepath: path}
}

// Config is the merged view over every file in the config directory.
type Config struct {
	AutoReload    int  // seconds; 0 = disabled
	QueueSize     int  // resolved capacity
	LegacyQueue   bool // true when QUEUE_SIZE was absent from default.*
	Journal       bool
	JournalLabels map[string]string
	MetricsListen string // empty = no metrics endpoint

	Backends []BackendSpec
	Sources  []SourceSpec
}

// sanitizeName strips path traversal and separators from service/category
// identifiers so they are safe as WAL directory components.
func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "\\", "")
	return s
}
