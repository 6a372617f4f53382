package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

// JsonConfig mirrors Config for JSON files. Durations use timex.Duration so
// both "30m" and integer nanoseconds are accepted. Absent fields keep the
// value already in Config.
type JsonConfig struct {
	HTTPAddr            *string         `json:"http_addr"`
	DatabaseDSN         *string         `json:"database_dsn"`
	MongoURI            *string         `json:"mongo_uri"`
	MongoDatabase       *string         `json:"mongo_database"`
	RedisAddr           *string         `json:"redis_addr"`
	KafkaBrokers        []string        `json:"kafka_brokers"`
	KafkaTopic          *string         `json:"kafka_topic"`
	SecretKey           *string         `json:"secret_key"`
	LogLevel            *string         `json:"log_level"`
	SessionMaxDuration  *timex.Duration `json:"session_max_duration"`
	SessionInactivity   *timex.Duration `json:"session_inactivity"`
	RequestsPerMinute   *int            `json:"requests_per_minute"`
	RequestBurst        *int            `json:"request_burst"`
	MaintenanceInterval *timex.Duration `json:"maintenance_interval"`
	S3RootUser          *string         `json:"s3_root_user"`
	S3RootPassword      *string         `json:"s3_root_password"`
	S3Bucket            *string         `json:"s3_bucket"`
	S3Region            *string         `json:"s3_region"`
	S3BaseEndpoint      *string         `json:"s3_base_endpoint"`
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// parseJson loads the file named by -c/-config, if any, into config. A file
// that cannot be read or parsed panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.MongoURI, c.MongoURI)
	setString(&config.MongoDatabase, c.MongoDatabase)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.KafkaTopic, c.KafkaTopic)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)

	if c.KafkaBrokers != nil {
		config.KafkaBrokers = c.KafkaBrokers
	}
	if c.SessionMaxDuration != nil {
		config.SessionMaxDuration = c.SessionMaxDuration.Duration
	}
	if c.SessionInactivity != nil {
		config.SessionInactivity = c.SessionInactivity.Duration
	}
	if c.MaintenanceInterval != nil {
		config.MaintenanceInterval = c.MaintenanceInterval.Duration
	}
	if c.RequestsPerMinute != nil {
		config.RequestsPerMinute = *c.RequestsPerMinute
	}
	if c.RequestBurst != nil {
		config.RequestBurst = *c.RequestBurst
	}
}
