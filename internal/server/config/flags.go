package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
)

var serverFlags = []string{"-a", "-d", "-m", "-n", "-r", "-k", "-q", "-s", "-l", "-i", "-x", "-u", "-p", "-b", "-g", "-e"}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-m string   MongoDB URI
//	-n string   MongoDB database name
//	-r string   Redis address
//	-k string   Kafka brokers, comma separated
//	-q string   Kafka topic for verification mail
//	-s string   session token HMAC secret
//	-l string   log level (debug, info, warn, error)
//	-i int      session inactivity timeout, minutes
//	-x int      session absolute lifetime, minutes
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// Only these flags are picked out of os.Args (flagx.FilterArgs) so the
// migrate tool can add its own.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], serverFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.MongoURI, "m", config.MongoURI, "MongoDB URI")
	fs.StringVar(&config.MongoDatabase, "n", config.MongoDatabase, "MongoDB database")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "Redis address")
	brokers := fs.String("k", strings.Join(config.KafkaBrokers, ","), "Kafka brokers")
	fs.StringVar(&config.KafkaTopic, "q", config.KafkaTopic, "Kafka verification mail topic")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	inactivity := fs.Int("i", int(config.SessionInactivity.Minutes()), "session inactivity timeout (in minutes)")
	maxDuration := fs.Int("x", int(config.SessionMaxDuration.Minutes()), "session max duration (in minutes)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 root bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 root region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.KafkaBrokers = splitList(*brokers)
	config.SessionInactivity = time.Duration(*inactivity) * time.Minute
	config.SessionMaxDuration = time.Duration(*maxDuration) * time.Minute
}
