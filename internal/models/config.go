package models

import "fmt"

// Config holds the application configuration
type Config struct {
	Server             ServerConfig    `json:"server"`
	Database           DatabaseConfig  `json:"database"`
	Responder          ResponderConfig `json:"responder"`
	Queue              QueueConfig     `json:"queue"`
	Consumer           ConsumerConfig  `json:"consumer"`
	Events             EventsConfig    `json:"events"`
	Retry              RetryConfig     `json:"retry"`
	Tracing            TracingConfig   `json:"tracing"`
	Channels           []ChannelConfig `json:"channels"`
	VisitorCacheTTLSec int             `json:"visitorCacheTTLSec"`
	IdempotencyTTLSec  int             `json:"idempotencyTTLSec"`
	LogLevel           string          `json:"log_level"`
}

// ServerConfig holds HTTP server related configurations
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	APIKey          string `json:"apiKey"`
	ReadTimeoutSec  int    `json:"readTimeoutSec"`
	WriteTimeoutSec int    `json:"writeTimeoutSec"`
	IdleTimeoutSec  int    `json:"idleTimeoutSec"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ResponderConfig holds the downstream AI responder endpoint configuration
type ResponderConfig struct {
	BaseURL    string `json:"baseUrl"`
	APIKey     string `json:"apiKey"`
	TimeoutSec int    `json:"timeoutSec"`
}

// QueueConfig holds waiting queue and sweep scheduling configurations
type QueueConfig struct {
	DefaultWaitTimeoutMinutes int `json:"defaultWaitTimeoutMinutes"`
	TriggerBatchSize          int `json:"triggerBatchSize"`
	MaxConcurrentSweeps       int `json:"maxConcurrentSweeps"`
	FallbackIntervalSec       int `json:"fallbackIntervalSec"`
	CleanupIntervalSec        int `json:"cleanupIntervalSec"`
}

// ConsumerConfig holds inbox consumer loop configurations shared by all
// channels; per-channel overrides live on the channel config.
type ConsumerConfig struct {
	PollIntervalSec int `json:"pollIntervalSec"`
	BatchSize       int `json:"batchSize"`
	MaxRetries      int `json:"maxRetries"`
}

// EventsConfig holds the optional AMQP event publisher configuration.
// An empty URL disables publishing.
type EventsConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry tracing configurations
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	OTLPEndpoint string  `json:"endpoint"`
	SampleRate   float64 `json:"sampleRate"`
	UseStdout    bool    `json:"useStdout"`
}

// ChannelConfig is the tagged per-channel configuration. Kind selects which
// vendor section must be present; Validate enforces it so a broken channel
// entry can be skipped at startup instead of crashing the process.
type ChannelConfig struct {
	Kind            ChannelKind     `json:"kind"`
	PlatformID      string          `json:"platformId"`
	ProjectID       string          `json:"projectId"`
	Enabled         *bool           `json:"enabled,omitempty"`
	PollIntervalSec int             `json:"pollIntervalSec,omitempty"`
	BatchSize       int             `json:"batchSize,omitempty"`
	MaxRetries      int             `json:"maxRetries,omitempty"`
	DingTalk        *DingTalkConfig `json:"dingtalk,omitempty"`
	Feishu          *FeishuConfig   `json:"feishu,omitempty"`
	Wecom           *WecomConfig    `json:"wecom,omitempty"`
	Email           *EmailConfig    `json:"email,omitempty"`
}

// DingTalkConfig holds DingTalk bot credentials
type DingTalkConfig struct {
	AppKey    string `json:"appKey"`
	AppSecret string `json:"appSecret"`
}

// FeishuConfig holds Feishu/Lark app credentials
type FeishuConfig struct {
	AppID             string `json:"appId"`
	AppSecret         string `json:"appSecret"`
	EncryptKey        string `json:"encryptKey"`
	VerificationToken string `json:"verificationToken"`
	BaseURL           string `json:"baseUrl,omitempty"`
}

// WecomConfig holds WeCom customer-service credentials
type WecomConfig struct {
	CorpID   string `json:"corpId"`
	Secret   string `json:"secret"`
	Token    string `json:"token"`
	AESKey   string `json:"aesKey"`
	OpenKfID string `json:"openKfId"`
	BaseURL  string `json:"baseUrl,omitempty"`
}

// EmailConfig holds IMAP/SMTP account settings for a polled mailbox
type EmailConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Mailbox      string `json:"mailbox"`
	LookbackDays int    `json:"lookbackDays"`
	MaxPerPoll   int    `json:"maxPerPoll"`
	SMTPHost     string `json:"smtpHost,omitempty"`
	SMTPPort     int    `json:"smtpPort,omitempty"`
	FromAddress  string `json:"fromAddress,omitempty"`
}

// IsEnabled reports whether the channel should be started. Channels are
// enabled unless explicitly turned off.
func (c *ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate checks the channel entry for structural problems. A non-nil error
// means this one channel must be skipped, not that startup should fail.
func (c *ChannelConfig) Validate() error {
	if c.PlatformID == "" {
		return fmt.Errorf("channel %q: platformId is required", c.Kind)
	}
	if c.ProjectID == "" {
		return fmt.Errorf("channel %s/%s: projectId is required", c.Kind, c.PlatformID)
	}
	switch c.Kind {
	case ChannelDingTalk:
		if c.DingTalk == nil || c.DingTalk.AppSecret == "" {
			return fmt.Errorf("channel %s/%s: dingtalk.appSecret is required", c.Kind, c.PlatformID)
		}
	case ChannelFeishu:
		if c.Feishu == nil || c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
			return fmt.Errorf("channel %s/%s: feishu.appId and feishu.appSecret are required", c.Kind, c.PlatformID)
		}
	case ChannelWecom:
		if c.Wecom == nil || c.Wecom.CorpID == "" || c.Wecom.Secret == "" {
			return fmt.Errorf("channel %s/%s: wecom.corpId and wecom.secret are required", c.Kind, c.PlatformID)
		}
		if c.Wecom.Token == "" || c.Wecom.AESKey == "" {
			return fmt.Errorf("channel %s/%s: wecom.token and wecom.aesKey are required for callback verification", c.Kind, c.PlatformID)
		}
	case ChannelEmail:
		if c.Email == nil || c.Email.Host == "" || c.Email.Username == "" || c.Email.Password == "" {
			return fmt.Errorf("channel %s/%s: email.host, email.username and email.password are required", c.Kind, c.PlatformID)
		}
	default:
		return fmt.Errorf("channel %s/%s: unknown channel kind", c.Kind, c.PlatformID)
	}
	return nil
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
