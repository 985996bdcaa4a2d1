package config

import (
	"time"
)

type HttpApiConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Debug bool   `mapstructure:"debug"`
}

type KafkaMessengerConfig struct {
	DBDSN               string        `mapstructure:"messenger_dbdsn"`
	Topic               string        `mapstructure:"messenger_topic"`
	ConsumerGroup       string        `mapstructure:"kafka_consumer_group"`
	TrustStorePath      string        `mapstructure:"kafka_truststore_path"`
	ProducerCredentials string        `mapstructure:"producer_credentials"`
	ConsumerCredentials string        `mapstructure:"consumer_credentials"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type Config struct {
	// Ledger account the operator organizes deals from.
	OperatorAddress string `mapstructure:"operator_address"`

	// Minimum participants per deal; fixed for the coordinator's
	// lifetime and shared by all amount buckets.
	Threshold int `mapstructure:"threshold"`

	// The bucket whose quorum is pushed in quorumUpdate broadcasts.
	// Deposits at other amounts still form their own buckets.
	CanonicalAmountWei string `mapstructure:"canonical_amount_wei"`

	// Execution cost limits forwarded to the confidential backend.
	GasBudget       uint64 `mapstructure:"gas_budget"`
	PricePerUnitWei string `mapstructure:"price_per_unit_wei"`

	// Seed for the simulated confidential backend's encryption key.
	EnclaveSeed string `mapstructure:"enclave_seed"`

	// Simulated settlement latency of the in-memory ledger.
	LedgerInclusionDelay time.Duration `mapstructure:"ledger_inclusion_delay"`

	StateDBDSN string `mapstructure:"state_dbdsn"`

	// Path of the append-only log file; used when no Kafka section is
	// configured.
	MessengerFile string `mapstructure:"messenger_file"`

	HttpApiConfig *HttpApiConfig `mapstructure:"http_api_config"`

	KafkaMessengerConfig *KafkaMessengerConfig `mapstructure:"kafka_messenger"`
}
