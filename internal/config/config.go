// Package config holds the flag/env-driven settings shared by cmd/server and
// cmd/worker, following the teacher's cobra + ARKEEP_*-prefixed env var
// convention (server/cmd/server/main.go), renamed to this project's
// MEDIAFORGE_ prefix.
package config

import (
	"os"
	"strconv"
)

// Config is the full set of runtime settings. Each binary's cobra root
// command binds a subset of these fields to flags.
type Config struct {
	HTTPAddr   string
	DBDriver   string
	DBDSN      string
	SecretKey  string
	LogLevel   string
	RedisAddr  string // optional; empty disables the pub/sub wake-up path

	S3Bucket   string
	S3Region   string
	S3Endpoint string

	MediaServiceURL string

	WorkerTopics     []string
	WorkerConcurrency int
	WorkerPollWait    int // seconds
}

// EnvOrDefault returns the environment variable named key, or defaultVal if unset/empty.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// EnvOrDefaultInt parses the environment variable named key as an int, or
// returns defaultVal if unset or unparsable.
func EnvOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// EnvOrDefaultBool parses the environment variable named key as a bool, or
// returns defaultVal if unset.
func EnvOrDefaultBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1"
}
