package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Property keys understood by the sink.
const (
	PropCoordinatorTopic  = "sink.coordinator.topic"
	PropCommitGroupID     = "sink.commit.group.id"
	PropKafkaPrefix       = "sink.kafka."
	PropTable             = "sink.table"
	PropCommitIntervalMs  = "sink.table.commit-interval-ms"
	PropTargetFileRecords = "sink.table.target-file-records"
	PropFileCodec         = "sink.table.file-codec"
	PropPollIntervalMs    = "sink.channel.poll-interval-ms"
)

const (
	DefaultCommitInterval    = 5 * time.Minute
	DefaultTargetFileRecords = 100000
	DefaultPollInterval      = time.Second
)

// Properties is a flat string key/value property set.
type Properties map[string]string

// Get returns the trimmed value stored under key.
func (p Properties) Get(key string) string {
	return strings.TrimSpace(p[key])
}

// WithPrefix returns the entries whose key starts with prefix, with the prefix removed.
func (p Properties) WithPrefix(prefix string) Properties {
	out := make(Properties)
	for k, v := range p {
		if strings.HasPrefix(k, prefix) && len(k) > len(prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the sorted keys.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Require fails when any of keys is missing or blank.
func (p Properties) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if p.Get(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required properties: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Int parses key as an int, returning fallback when unset.
func (p Properties) Int(key string, fallback int) (int, error) {
	val := p.Get(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", key, err)
	}
	return n, nil
}

// Millis parses key as a millisecond count, returning fallback when unset.
func (p Properties) Millis(key string, fallback time.Duration) (time.Duration, error) {
	val := p.Get(key)
	if val == "" {
		return fallback, nil
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", key, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("property %s: must not be negative", key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// List splits a comma-separated value, dropping blanks.
func (p Properties) List(key string) []string {
	val := p.Get(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
