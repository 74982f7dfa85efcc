package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Configuration struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Logging      LoggingConfig      `json:"logging"`
	Auth         AuthConfig         `json:"auth"`
	Sealing      SealingConfig      `json:"sealing"`
	Notification NotificationConfig `json:"notification"`
}

type ServerConfig struct {
	Port         string        `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

type DatabaseConfig struct {
	Host            string `json:"host"`
	Port            string `json:"port"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	Name            string `json:"name"`
	SSLMode         string `json:"ssl_mode"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	MaxOpenConns    int    `json:"max_open_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Environment string `json:"environment"`
}

type AuthConfig struct {
	RelyingPartyID     string        `json:"relying_party_id"`
	RelyingPartyName   string        `json:"relying_party_name"`
	RelyingPartyOrigin string        `json:"relying_party_origin"`
	PasskeyTimeout     time.Duration `json:"passkey_timeout"`
	SessionTTL         time.Duration `json:"session_ttl"`
	TOTPPeriod         uint          `json:"totp_period"`
	TOTPSkew           uint          `json:"totp_skew"`
}

type SealingConfig struct {
	CertificateEnabled bool   `json:"certificate_enabled"`
	AuditTrailEnabled  bool   `json:"audit_trail_enabled"`
	SignerKeyID        string `json:"signer_key_id"`
	SignerKeyHex       string `json:"signer_key_hex"`
	RendererMode       string `json:"renderer_mode"` // "native" or "http"
	RendererURL        string `json:"renderer_url"`
}

type NotificationConfig struct {
	SMTPHost       string        `json:"smtp_host"`
	SMTPPort       int           `json:"smtp_port"`
	SMTPUsername   string        `json:"smtp_username"`
	SMTPPassword   string        `json:"smtp_password"`
	FromAddress    string        `json:"from_address"`
	WebhookTimeout time.Duration `json:"webhook_timeout"`
	MaxAttempts    int           `json:"max_attempts"`
	PollInterval   time.Duration `json:"poll_interval"`
}

var (
	config     *Configuration
	configOnce sync.Once
	configLock sync.RWMutex
)

func LoadConfig(filePath string) (*Configuration, error) {
	var err error

	configOnce.Do(func() {
		var file *os.File
		file, err = os.Open(filePath)
		if err != nil {
			err = fmt.Errorf("failed to open config file: %w", err)
			return
		}
		defer file.Close()

		decoder := json.NewDecoder(file)
		config = &Configuration{}
		err = decoder.Decode(config)
		if err != nil {
			err = fmt.Errorf("failed to decode config file: %w", err)
			return
		}
		applyDefaults(config)
	})

	return config, err
}

func applyDefaults(c *Configuration) {
	if c.Server.Port == "" {
		c.Server.Port = "8000"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Auth.TOTPPeriod == 0 {
		c.Auth.TOTPPeriod = 30
	}
	if c.Auth.TOTPSkew == 0 {
		c.Auth.TOTPSkew = 2
	}
	if c.Auth.PasskeyTimeout == 0 {
		c.Auth.PasskeyTimeout = 2 * time.Minute
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 12 * time.Hour
	}
	if c.Sealing.RendererMode == "" {
		c.Sealing.RendererMode = "native"
	}
	if c.Notification.WebhookTimeout == 0 {
		c.Notification.WebhookTimeout = 10 * time.Second
	}
	if c.Notification.MaxAttempts == 0 {
		c.Notification.MaxAttempts = 5
	}
	if c.Notification.PollInterval == 0 {
		c.Notification.PollInterval = 2 * time.Second
	}
}

func GetConfig() *Configuration {
	configLock.RLock()
	defer configLock.RUnlock()
	return config
}

func InitializeDefaultConfig() *Configuration {
	configLock.Lock()
	defer configLock.Unlock()

	config = &Configuration{
		Server: ServerConfig{
			Port:         "8000",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			Username:        "postgres",
			Password:        "password",
			Name:            "seal_protocol",
			SSLMode:         "disable",
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: 300,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Environment: "development",
		},
		Auth: AuthConfig{
			RelyingPartyID:     "localhost",
			RelyingPartyName:   "Seal Protocol",
			RelyingPartyOrigin: "http://localhost:8000",
			PasskeyTimeout:     2 * time.Minute,
			SessionTTL:         12 * time.Hour,
			TOTPPeriod:         30,
			TOTPSkew:           2,
		},
		Sealing: SealingConfig{
			CertificateEnabled: true,
			AuditTrailEnabled:  true,
			SignerKeyID:        "seal-protocol-default",
			RendererMode:       "native",
		},
		Notification: NotificationConfig{
			SMTPHost:       "localhost",
			SMTPPort:       1025,
			FromAddress:    "noreply@seal-protocol.local",
			WebhookTimeout: 10 * time.Second,
			MaxAttempts:    5,
			PollInterval:   2 * time.Second,
		},
	}

	return config
}

func LogConfig(logger *zap.Logger) {
	configLock.RLock()
	defer configLock.RUnlock()

	logger.Info("Application configuration",
		zap.String("port", config.Server.Port),
		zap.Duration("read_timeout", config.Server.ReadTimeout),
		zap.Duration("write_timeout", config.Server.WriteTimeout),
		zap.String("database_host", config.Database.Host),
		zap.String("database_name", config.Database.Name),
		zap.Bool("certificate_enabled", config.Sealing.CertificateEnabled),
		zap.Bool("audit_trail_enabled", config.Sealing.AuditTrailEnabled),
		zap.String("renderer_mode", config.Sealing.RendererMode),
		zap.String("smtp_host", config.Notification.SMTPHost),
		zap.Uint("totp_skew", config.Auth.TOTPSkew),
	)
}
