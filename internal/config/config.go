package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	BindAddr          string
	Port              int
	DatabaseURL       string
	StaticDir         string
	WSReadBufferSize  int
	WSWriteBufferSize int
	TraceStdout       bool

	CountdownDelay  time.Duration
	RoomReapAfter   time.Duration
	MaxHumans       int
	RaceFieldSize   int
	SubscriberBuf   int
	ProviderTimeout time.Duration
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func Load() Config {
	return Config{
		BindAddr:          getEnv("BIND_ADDR", "0.0.0.0"),
		Port:              getEnvInt("PORT", 3000),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		StaticDir:         getEnv("STATIC_DIR", "./web"),
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER", 4096),
		TraceStdout:       getEnvBool("TRACE_STDOUT", false),

		CountdownDelay:  time.Duration(getEnvInt("COUNTDOWN_MS", 3000)) * time.Millisecond,
		RoomReapAfter:   time.Duration(getEnvInt("ROOM_REAP_SEC", 300)) * time.Second,
		MaxHumans:       getEnvInt("MAX_HUMANS", 5),
		RaceFieldSize:   getEnvInt("RACE_FIELD_SIZE", 5),
		SubscriberBuf:   getEnvInt("SUBSCRIBER_BUFFER", 64),
		ProviderTimeout: time.Duration(getEnvInt("PASSAGE_TIMEOUT_MS", 250)) * time.Millisecond,
	}
}
