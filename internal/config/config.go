package config

import "github.com/kelseyhightower/envconfig"

// Config is loaded once at process start and passed to every component by
// its constructor. Nothing reads the environment after Load returns.
type Config struct {
	DryRun    bool   `envconfig:"DRY_RUN" default:"true"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	ChunkSize int    `envconfig:"CHUNK_SIZE" default:"25"`

	EmailRateLimitPerMin int `envconfig:"EMAIL_RATE_LIMIT_PER_MIN" default:"8"`

	// Source Connector
	ConnectorBaseURL string `envconfig:"CONNECTOR_BASE_URL" default:"http://localhost:8081"`
	ConnectorToken   string `envconfig:"CONNECTOR_TOKEN" default:"please-change-me"`

	// Paths
	OutputDir  string `envconfig:"OUTPUT_DIR" default:"./output"`
	PDFBackend string `envconfig:"PDF_BACKEND" default:"card"` // card | placeholder

	// Delivery ledger. The sqlite file is the normal operator path; the
	// postgres DSN is for deployments that want the audit trail queryable.
	StateBackend string `envconfig:"STATE_BACKEND" default:"sqlite"`
	StateDB      string `envconfig:"STATE_DB" default:"./data/state.sqlite"`
	StateDSN     string `envconfig:"STATE_DSN"`

	// Gmail OAuth material. Only touched on the first real (non-dry-run) send.
	GoogleClientSecretPath string `envconfig:"GOOGLE_CLIENT_SECRET_PATH" default:"./secrets/google/credentials.json"`
	GoogleTokenPath        string `envconfig:"GOOGLE_TOKEN_PATH" default:"./secrets/google/token.json"`

	// Sender identity for rendered postcards and the email From header.
	FromCallsign     string `envconfig:"FROM_CALLSIGN" default:"W5XY"`
	FromOperatorName string `envconfig:"FROM_OPERATOR_NAME" default:"Operator"`
	FromEmail        string `envconfig:"FROM_EMAIL" default:"noreply@example.com"`
}

func Load() Config {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
