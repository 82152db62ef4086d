package constants

// Default server configuration values
const (
	DefaultServerPort            = 8082
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
)

// Default inbox consumer configuration values
const (
	DefaultConsumerPollIntervalSec = 5
	DefaultMailConsumerPollSec     = 2
	DefaultConsumerBatchSize       = 10
	DefaultConsumerMaxRetries      = 3
	FailedCandidateOverscan        = 3
	MaxErrorMessageLength          = 2000
)

// Default waiting queue configuration values
const (
	DefaultQueueWaitTimeoutMinutes = 10
	DefaultTriggerBatchSize        = 10
	DefaultMaxConcurrentSweeps     = 5
	DefaultFallbackIntervalSec     = 120
	DefaultCleanupIntervalSec      = 60
	CleanupBatchSize               = 100
	DefaultQueuePriority           = 1
)

// Backlog monitoring values
const (
	DefaultBacklogCheckIntervalSec = 60
	DefaultBacklogStaleAfterSec    = 300
)

// Default cache and idempotency values
const (
	DefaultVisitorCacheTTLSec = 300
	DefaultIdempotencyTTLSec  = 3600
)

// Default event publisher values
const (
	DefaultEventsExchange     = "deskrelay.events"
	DefaultEventsDialAttempts = 5
	DefaultEventsDialDelayMs  = 1000
)

// Default mailbox polling values
const (
	DefaultMailPollIntervalSec   = 60
	DefaultMailLookbackDays      = 1
	DefaultMailMaxPerPoll        = 20
	DefaultMailReconnectDelaySec = 30
	DefaultIMAPPort              = 993
)

// Default vendor client values
const (
	DefaultHTTPTimeoutSec       = 30
	DefaultWecomPollIntervalSec = 30
	WecomSyncPageSize           = 500
	WecomSyncMaxIterations      = 10
	WecomMarkdownByteLimit      = 20480
	TokenExpiryBufferSec        = 60
	DingTalkTimestampSkewMs     = 3600000
)

// Default retry/backoff values
const (
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxMs          = 30000
	DefaultBackoffMaxAttempts    = 3
	DefaultDatabaseRetryAttempts = 3
)

// Database and encryption values
const (
	EncryptionSalt            = "deskrelay-db-salt-v1"
	EncryptionLookupSalt      = "deskrelay-lookup-salt-v1"
	MinEncryptionSecretLength = 32
)

// Privacy settings
const (
	DefaultIDMaskLength    = 4
	DefaultMessageIDLength = 8
)

// Validation bounds
const (
	MaxMessageIDLength   = 256
	MaxPlatformIDLength  = 64
	MaxContentLength     = 65536
	MaxDisplayNameLength = 256
)
