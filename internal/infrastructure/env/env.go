package env

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvService reads settings from the process environment after loading
// .env and .env.<APP_ENV>. Files are optional.
type EnvService struct {
	prefix string
	loaded []string
}

func NewEnvService(prefix string) *EnvService {
	appEnv := os.Getenv("APP_ENV")
	if appEnv == "" {
		appEnv = "dev"
	}

	s := &EnvService{prefix: prefix}

	if err := godotenv.Load(".env"); err == nil {
		s.loaded = append(s.loaded, ".env")
	}

	envFile := fmt.Sprintf(".env.%s", appEnv)
	if err := godotenv.Overload(envFile); err == nil {
		s.loaded = append(s.loaded, envFile)
	}

	return s
}

// LoadedFiles lists the env files that were found and applied.
func (e *EnvService) LoadedFiles() []string {
	return e.loaded
}

func (e *EnvService) key(k string) string {
	return e.prefix + k
}

func (e *EnvService) Lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(e.key(key))
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *EnvService) Get(key string) string {
	val, _ := e.Lookup(key)
	return val
}

func (e *EnvService) GetString(key, defaultValue string) string {
	if val, ok := e.Lookup(key); ok {
		return val
	}
	return defaultValue
}

func (e *EnvService) GetBool(key string, defaultValue bool) bool {
	val, ok := e.Lookup(key)
	if !ok {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func (e *EnvService) GetInt(key string, defaultValue int) int {
	val, ok := e.Lookup(key)
	if !ok {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func (e *EnvService) GetFloat(key string, defaultValue float64) float64 {
	val, ok := e.Lookup(key)
	if !ok {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func (e *EnvService) GetDuration(key string, defaultValue time.Duration) time.Duration {
	val, ok := e.Lookup(key)
	if !ok {
		return defaultValue
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}
