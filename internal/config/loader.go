package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/kumarabd/gokit/logger"
	"gopkg.in/yaml.v3"

	"github.com/LucienLassalle/SLE/pkg/model"
)

// Global keys recognized only in default.json / default.yml.
const (
	keyAutoReload    = "AUTO_RELOAD"
	keyQueueSize     = "QUEUE_SIZE"
	keyJournalctl    = "JOURNALCTL"
	keyJournalLabels = "JOURNALCTL_LABELS"
	keyMetricsListen = "METRICS_LISTEN"
	backendKeySuffix = "_IP"
)

// Load reads every .json/.yaml/.yml file in dir and merges them into one
// Config. A file that fails to parse is logged and skipped; Load fails only
// when no file yields a usable configuration.
func Load(dir string, log *logger.Handler) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config directory %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".json", ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no configuration files found in %s", dir)
	}

	cfg := &Config{
		QueueSize:     DefaultQueueSize,
		LegacyQueue:   true,
		JournalLabels: map[string]string{},
	}
	seenBackends := map[BackendKind]int{} // kind -> index into cfg.Backends

	loaded := 0
	for _, path := range files {
		raw, err := loadFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("skipping unreadable config file")
			continue
		}
		isDefault := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) == "default"
		// Merge into a copy so a file that fails midway leaves cfg untouched.
		trial := *cfg
		trial.Backends = make([]BackendSpec, len(cfg.Backends))
		for i, b := range cfg.Backends {
			trial.Backends[i] = BackendSpec{Kind: b.Kind, Endpoints: append([]string(nil), b.Endpoints...)}
		}
		trial.Sources = append([]SourceSpec(nil), cfg.Sources...)
		trialSeen := make(map[BackendKind]int, len(seenBackends))
		for k, v := range seenBackends {
			trialSeen[k] = v
		}
		if err := mergeFile(&trial, trialSeen, raw, path, isDefault, log); err != nil {
			log.Error().Err(err).Str("file", path).Msg("skipping invalid config file")
			continue
		}
		*cfg = trial
		seenBackends = trialSeen
		loaded++
	}

	if loaded == 0 {
		return nil, fmt.Errorf("no valid configuration in %s", dir)
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("no backend (*_IP) configured in %s", dir)
	}
	if len(cfg.Sources) == 0 && !cfg.Journal {
		return nil, fmt.Errorf("no log sources configured in %s", dir)
	}
	return cfg, nil
}

func loadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if filepath.Ext(path) == ".json" {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return out, nil
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

// mergeFile folds one parsed file into cfg. Global keys are honored only
// when isDefault; elsewhere they are ignored with a warning.
func mergeFile(cfg *Config, seen map[BackendKind]int, raw map[string]any, path string, isDefault bool, log *logger.Handler) error {
	for key, value := range raw {
		switch {
		case isGlobalKey(key):
			if !isDefault {
				log.Warn().Str("file", path).Str("key", key).Msg("global key ignored outside default config")
				continue
			}
			if err := applyGlobal(cfg, key, value, log); err != nil {
				return err
			}

		case strings.HasSuffix(key, backendKeySuffix):
			kind, ok := backendKinds[strings.TrimSuffix(key, backendKeySuffix)]
			if !ok {
				log.Warn().Str("file", path).Str("key", key).Msg("unknown backend kind ignored")
				continue
			}
			urls, err := stringOrList(value)
			if err != nil || len(urls) == 0 {
				return fmt.Errorf("%s must be a non-empty URL or list of URLs", key)
			}
			for i := range urls {
				urls[i] = normalizeURL(urls[i])
			}
			if idx, dup := seen[kind]; dup {
				cfg.Backends[idx].Endpoints = appendMissing(cfg.Backends[idx].Endpoints, urls)
			} else {
				seen[kind] = len(cfg.Backends)
				cfg.Backends = append(cfg.Backends, BackendSpec{Kind: kind, Endpoints: urls})
			}

		default:
			if err := mergeService(cfg, key, value, path, log); err != nil {
				return err
			}
		}
	}
	return nil
}

func isGlobalKey(key string) bool {
	switch key {
	case keyAutoReload, keyQueueSize, keyJournalctl, keyJournalLabels, keyMetricsListen:
		return true
	}
	return false
}

func applyGlobal(cfg *Config, key string, value any, log *logger.Handler) error {
	switch key {
	case keyAutoReload:
		n, ok := asInt(value)
		if !ok || n < 0 {
			return fmt.Errorf("AUTO_RELOAD must be a non-negative integer")
		}
		cfg.AutoReload = n
	case keyQueueSize:
		n, ok := asInt(value)
		if !ok || n <= 0 {
			return fmt.Errorf("QUEUE_SIZE must be a positive integer")
		}
		cfg.QueueSize = n
		cfg.LegacyQueue = false
	case keyJournalctl:
		s, _ := value.(string)
		switch strings.ToLower(s) {
		case "on", "yes", "true", "1":
			cfg.Journal = true
		default:
			cfg.Journal = false
		}
	case keyJournalLabels:
		labels, err := asLabels(value)
		if err != nil {
			return fmt.Errorf("JOURNALCTL_LABELS: %w", err)
		}
		cfg.JournalLabels = labels
	case keyMetricsListen:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("METRICS_LISTEN must be a string")
		}
		cfg.MetricsListen = s
	}
	return nil
}

// mergeService parses one service key: a map of category -> source settings.
func mergeService(cfg *Config, service string, value any, path string, log *logger.Handler) error {
	categories, ok := asMap(value)
	if !ok {
		log.Warn().Str("file", path).Str("service", service).Msg("service entry ignored: not an object")
		return nil
	}

	name := sanitizeName(service)
	for category, settings := range categories {
		spec, err := parseSource(name, sanitizeName(category), settings, log)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Str("service", service).Str("category", category).Msg("source entry ignored")
			continue
		}
		cfg.Sources = append(cfg.Sources, spec)
	}
	return nil
}

func parseSource(service, category string, value any, log *logger.Handler) (SourceSpec, error) {
	settings, ok := asMap(value)
	if !ok {
		return SourceSpec{}, fmt.Errorf("must be an object")
	}

	spec := SourceSpec{
		Service:    service,
		Category:   category,
		Delimiter:  DefaultDelimiter,
		Labels:     map[string]string{},
		BufferSize: DefaultBufferSize,
		Policy:     model.PolicyDrop,
	}

	for field, v := range settings {
		switch field {
		case "path_file":
			s, _ := v.(string)
			if s == "" {
				return SourceSpec{}, fmt.Errorf("path_file is missing or empty")
			}
			if !filepath.IsAbs(s) {
				return SourceSpec{}, fmt.Errorf("path_file %q is not absolute", s)
			}
			spec.Path = s
		case "delimiter":
			if s, ok := v.(string); ok && s != "" {
				spec.Delimiter = s
			}
		case "labels":
			labels, err := asLabels(v)
			if err != nil {
				log.Warn().Err(err).Str("service", service).Str("category", category).Msg("labels ignored")
				continue
			}
			spec.Labels = labels
		case "rate_limit":
			n, ok := asFloat(v)
			if !ok || n <= 0 {
				log.Warn().Str("service", service).Str("category", category).Msg("invalid rate_limit ignored")
				continue
			}
			spec.RateLimit = n
		case "buffer_size":
			n, ok := asInt(v)
			if !ok || n <= 0 {
				log.Warn().Str("service", service).Str("category", category).Msg("invalid buffer_size ignored")
				continue
			}
			spec.BufferSize = n
		case "disk_buffer":
			s, _ := v.(string)
			switch strings.ToUpper(s) {
			case string(model.PolicyDisk):
				spec.Policy = model.PolicyDisk
			case string(model.PolicyDrop), "":
				spec.Policy = model.PolicyDrop
			default:
				log.Warn().Str("service", service).Str("category", category).Str("disk_buffer", s).Msg("invalid disk_buffer ignored")
			}
		default:
			log.Warn().Str("service", service).Str("category", category).Str("field", field).Msg("unknown source field ignored")
		}
	}

	if spec.Path == "" {
		return SourceSpec{}, fmt.Errorf("path_file is missing")
	}
	return spec, nil
}

// normalizeURL prefixes bare host:port values with http://.
func normalizeURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "http://" + u
}

func appendMissing(dst []string, urls []string) []string {
	for _, u := range urls {
		found := false
		for _, d := range dst {
			if d == u {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, u)
		}
	}
	return dst
}

// stringOrList normalizes the "string or list of string" shape of *_IP
// values to a flat slice.
func stringOrList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil, fmt.Errorf("empty string")
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list items must be strings, got %T", item)
			}
			if s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list of strings, got %T", v)
	}
}

// asLabels validates a label map, rejecting non-string scalars.
func asLabels(v any) (map[string]string, error) {
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("expected an object of string values, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("label %q must be a string, got %T", k, val)
		}
		out[k] = s
	}
	return out, nil
}

// asMap handles both JSON (map[string]any) and YAML (map[any]any) shapes.
func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = val
		}
		return out, true
	}
	return nil, false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
