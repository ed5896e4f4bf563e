// Package env reads typed settings from the process environment.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Variables understood by the repro command.
const (
	DatabaseURL     = "REPRO_DATABASE_URL"
	StageTimeout    = "REPRO_STAGE_TIMEOUT"
	HashWorkers     = "REPRO_HASH_WORKERS"
	ArchiveEnabled  = "REPRO_ARCHIVE_ENABLED"
	ArchiveEndpoint = "REPRO_ARCHIVE_ENDPOINT"
	ArchiveAccess   = "REPRO_ARCHIVE_ACCESS_KEY"
	ArchiveSecret   = "REPRO_ARCHIVE_SECRET_KEY"
	ArchiveRegion   = "REPRO_ARCHIVE_REGION"
	ArchiveBucket   = "REPRO_ARCHIVE_BUCKET"
	ArchiveUseSSL   = "REPRO_ARCHIVE_USE_SSL"
)

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

func Bool(key string, def bool) (bool, error) {
	if v, ok := lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

func Int(key string, def int) (int, error) {
	if v, ok := lookup(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}

// lookup treats a blank value like an unset one.
func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
