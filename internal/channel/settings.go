package channel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/lechuhuuha/table_forge/config"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
)

// Broker property keys, relative to config.PropKafkaPrefix.
const (
	kafkaBootstrapServers = "bootstrap.servers"
	kafkaClientID         = "client.id"
	kafkaAcks             = "acks"
	kafkaCompressionType  = "compression.type"
	kafkaRequestTimeoutMs = "request.timeout.ms"
	kafkaFetchMaxBytes    = "fetch.max.bytes"
	kafkaFetchMaxWaitMs   = "fetch.max.wait.ms"
)

const (
	defaultClientID       = "table-forge"
	defaultRequestTimeout = 30 * time.Second
	defaultFetchMaxBytes  = 10e6
)

// kafkaSettings is the broker configuration shared by producer, consumer and admin.
type kafkaSettings struct {
	Brokers        []string
	ClientID       string
	RequiredAcks   kafka.RequiredAcks
	Compression    kafka.Compression
	RequestTimeout time.Duration
	FetchMaxBytes  int64
	FetchMaxWait   time.Duration
}

func parseKafkaSettings(props config.Properties, logr loggerpkg.Logger) (kafkaSettings, error) {
	s := kafkaSettings{
		Brokers:        props.List(kafkaBootstrapServers),
		ClientID:       props.Get(kafkaClientID),
		RequiredAcks:   kafka.RequireAll,
		RequestTimeout: defaultRequestTimeout,
		FetchMaxBytes:  defaultFetchMaxBytes,
	}
	if len(s.Brokers) == 0 {
		return kafkaSettings{}, errors.New("kafka brokers must be provided")
	}
	if s.ClientID == "" {
		s.ClientID = defaultClientID
	}

	switch acks := strings.ToLower(props.Get(kafkaAcks)); acks {
	case "", "all", "-1":
		s.RequiredAcks = kafka.RequireAll
	case "1":
		s.RequiredAcks = kafka.RequireOne
	case "0":
		s.RequiredAcks = kafka.RequireNone
	default:
		return kafkaSettings{}, fmt.Errorf("unsupported acks value %q", acks)
	}

	codec, err := compressionCodec(props.Get(kafkaCompressionType))
	if err != nil {
		return kafkaSettings{}, err
	}
	s.Compression = codec

	if s.RequestTimeout, err = props.Millis(kafkaRequestTimeoutMs, defaultRequestTimeout); err != nil {
		return kafkaSettings{}, err
	}
	if s.FetchMaxWait, err = props.Millis(kafkaFetchMaxWaitMs, 0); err != nil {
		return kafkaSettings{}, err
	}
	maxBytes, err := props.Int(kafkaFetchMaxBytes, defaultFetchMaxBytes)
	if err != nil {
		return kafkaSettings{}, err
	}
	if maxBytes > 0 {
		s.FetchMaxBytes = int64(maxBytes)
	}

	known := map[string]bool{
		kafkaBootstrapServers: true, kafkaClientID: true, kafkaAcks: true, kafkaCompressionType: true,
		kafkaRequestTimeoutMs: true, kafkaFetchMaxBytes: true, kafkaFetchMaxWaitMs: true,
	}
	for _, k := range props.Keys() {
		if !known[k] {
			logr.Debug("ignoring unsupported kafka property", loggerpkg.F("key", k))
		}
	}
	return s, nil
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd", "zstandard":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unsupported compression type %q", name)
	}
}
