// Copyright 2025 AegisGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every knob the gateway reads from the environment.
type Config struct {
	Port        string
	Environment string

	DatabaseURL string
	RedisURL    string

	JWTSecret        string
	EncryptionKeyHex string

	OpenAIBaseURL    string
	AnthropicBaseURL string
	OllamaBaseURL    string

	PricingFile string

	AuditMode         string
	AuditFallbackPath string

	CredentialCacheTTL time.Duration
	ShutdownGrace      time.Duration
}

// LoadConfig reads the environment, after an optional .env file. Missing
// variables take the development defaults; production deployments set
// everything explicitly.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "production"),

		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/aegisgate?sslmode=disable"),
		RedisURL:    getEnv("REDIS_URL", "localhost:6379"),

		JWTSecret:        os.Getenv("JWT_SECRET_KEY"),
		EncryptionKeyHex: os.Getenv("API_KEY_ENCRYPTION_KEY"),

		OpenAIBaseURL:    getEnv("OPENAI_API_URL", "https://api.openai.com"),
		AnthropicBaseURL: getEnv("ANTHROPIC_API_URL", "https://api.anthropic.com"),
		OllamaBaseURL:    getEnv("OLLAMA_API_URL", "http://localhost:11434"),

		PricingFile: os.Getenv("PRICING_FILE"),

		AuditMode:         getEnv("AUDIT_MODE", "performance"),
		AuditFallbackPath: getEnv("AUDIT_FALLBACK_PATH", "audit_fallback.jsonl"),

		CredentialCacheTTL: 300 * time.Second,
		ShutdownGrace:      15 * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
