package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. GOPHSYNC_HTTP_ADDR.
const EnvPrefix = "GOPHSYNC"

// dotenvFiles are loaded before the environment is read. Variables already
// set in the process environment win.
var dotenvFiles = []string{".env"}

// parseEnv overlays variables from the environment (and .env files, if
// present) onto config. Unset variables leave fields untouched.
func parseEnv(config *Config) {
	for _, f := range dotenvFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	str("http_addr", &config.HTTPAddr)
	str("database_dsn", &config.DatabaseDSN)
	str("mongo_uri", &config.MongoURI)
	str("mongo_database", &config.MongoDatabase)
	str("redis_addr", &config.RedisAddr)
	str("kafka_topic", &config.KafkaTopic)
	str("secret_key", &config.SecretKey)
	str("log_level", &config.LogLevel)
	str("s3_root_user", &config.S3RootUser)
	str("s3_root_password", &config.S3RootPassword)
	str("s3_bucket", &config.S3Bucket)
	str("s3_region", &config.S3Region)
	str("s3_base_endpoint", &config.S3BaseEndpoint)

	if v.IsSet("kafka_brokers") {
		config.KafkaBrokers = splitList(v.GetString("kafka_brokers"))
	}
	if v.IsSet("session_max_duration") {
		config.SessionMaxDuration = v.GetDuration("session_max_duration")
	}
	if v.IsSet("session_inactivity") {
		config.SessionInactivity = v.GetDuration("session_inactivity")
	}
	if v.IsSet("maintenance_interval") {
		config.MaintenanceInterval = v.GetDuration("maintenance_interval")
	}
	if v.IsSet("requests_per_minute") {
		config.RequestsPerMinute = v.GetInt("requests_per_minute")
	}
	if v.IsSet("request_burst") {
		config.RequestBurst = v.GetInt("request_burst")
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
