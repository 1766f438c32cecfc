// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App          AppConfig               `mapstructure:"app"`
	Server       ServerConfig            `mapstructure:"server"`
	Camunda      CamundaConfig           `mapstructure:"camunda"`
	Database     DatabaseConfig          `mapstructure:"database"`
	Workers      map[string]WorkerConfig `mapstructure:"workers"`
	Dispatcher   DispatcherConfig        `mapstructure:"dispatcher"`
	Delivery     DeliveryConfig          `mapstructure:"delivery"`
	Directory    DirectoryConfig         `mapstructure:"directory"`
	Consent      ConsentConfig           `mapstructure:"consent"`
	Audit        AuditConfig             `mapstructure:"audit"`
	Registry     RegistryConfig          `mapstructure:"registry"`
	Integrations IntegrationConfig       `mapstructure:"integrations"`
	Logging      LoggingConfig           `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name             string `mapstructure:"name"`
	Version          string `mapstructure:"version"`
	Environment      string `mapstructure:"environment"`
	OrganizationName string `mapstructure:"organization_name"`
}

type ServerConfig struct {
	Address         string `mapstructure:"address"`
	RequestTimeout  int    `mapstructure:"request_timeout"`  // milliseconds
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // milliseconds
	// AllowedOrigins enables CORS for browser collaborators when non-empty.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	UseTLS         bool   `mapstructure:"use_tls"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	URL       string   `mapstructure:"url"`
}

// GetURL returns the first address or the URL field
func (e ElasticsearchConfig) GetURL() string {
	if e.URL != "" {
		return e.URL
	}
	if len(e.Addresses) > 0 {
		return e.Addresses[0]
	}
	return ""
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds the core settings applicable to every Zeebe job worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// RetryConfig is a bounded exponential backoff budget.
type RetryConfig struct {
	MaxAttempts  int `mapstructure:"max_attempts"`
	InitialDelay int `mapstructure:"initial_delay"` // milliseconds
	MaxDelay     int `mapstructure:"max_delay"`     // milliseconds
}

// DispatcherConfig sizes the event and trigger pools.
type DispatcherConfig struct {
	Workers            int         `mapstructure:"workers"`
	QueueSize          int         `mapstructure:"queue_size"`
	TriggerParallelism int         `mapstructure:"trigger_parallelism"`
	StoreRetry         RetryConfig `mapstructure:"store_retry"`
	RecoverOnStart     bool        `mapstructure:"recover_on_start"`
}

// DeliveryConfig controls asynchronous external channel delivery.
type DeliveryConfig struct {
	Enabled        bool                `mapstructure:"enabled"`
	Workers        int                 `mapstructure:"workers"`
	QueueSize      int                 `mapstructure:"queue_size"`
	Channels       map[string][]string `mapstructure:"channels"` // category -> channels
	Retry          RetryConfig         `mapstructure:"retry"`
	ClaimTTL       int                 `mapstructure:"claim_ttl"` // milliseconds
	WebhookTimeout int                 `mapstructure:"webhook_timeout"`
	// SweepInterval is how often undelivered jobs are re-queued, in milliseconds.
	SweepInterval   int `mapstructure:"sweep_interval"`
	MaxRedeliveries int `mapstructure:"max_redeliveries"`
}

// DirectoryConfig selects the user directory used by recipient resolution.
type DirectoryConfig struct {
	Provider          string `mapstructure:"provider"` // postgres | keycloak
	SupervisorAttr    string `mapstructure:"supervisor_attribute"`
	KeycloakURL       string `mapstructure:"keycloak_url"`
	KeycloakRealm     string `mapstructure:"keycloak_realm"`
	KeycloakClientID  string `mapstructure:"keycloak_client_id"`
	KeycloakSecret    string `mapstructure:"keycloak_client_secret"`
	KeycloakPhoneAttr string `mapstructure:"keycloak_phone_attribute"`
}

type ConsentConfig struct {
	Categories []string `mapstructure:"categories"`
}

type AuditConfig struct {
	IndexEnabled bool   `mapstructure:"index_enabled"`
	IndexName    string `mapstructure:"index_name"`
}

type RegistryConfig struct {
	CacheEnabled bool   `mapstructure:"cache_enabled"`
	CacheTTL     int    `mapstructure:"cache_ttl"` // seconds
	CatalogPath  string `mapstructure:"catalog_path"`
}

// IntegrationConfig holds settings for outbound AWS channels.
type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			Enabled   bool   `mapstructure:"enabled"`
			FromEmail string `mapstructure:"from_email"`
		} `mapstructure:"ses"`
		SNS struct {
			Enabled            bool   `mapstructure:"enabled"`
			DefaultSMSSenderID string `mapstructure:"default_sms_sender_id"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
