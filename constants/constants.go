// Package constants vends constants used in various components of vault service, e.g., env var names
package constants

const (
	// -------------- env vars --------------
	// common
	EnvVerbose = "LV_VERBOSE"
	// vault
	EnvDefaultExpiryMinutes = "DEFAULT_EXPIRY_MINUTES"
	EnvPublicBaseURL        = "FRONTEND_URL"
	EnvDownloadBaseURL      = "BACKEND_URL"
	EnvStoreTimeout         = "LV_STORE_TIMEOUT"
	EnvBlobTimeout          = "LV_BLOB_TIMEOUT"
	EnvAccessRetryMax       = "LV_ACCESS_RETRY_MAX"
	EnvIDAttempts           = "LV_ID_ATTEMPTS"
	EnvDownloadSecret       = "LV_DOWNLOAD_SECRET"
	EnvDownloadTTL          = "LV_DOWNLOAD_TTL"
	// stores
	EnvRecordBackend  = "LV_RECORD_BACKEND"
	EnvBlobBackend    = "LV_BLOB_BACKEND"
	EnvRedisHost      = "REDIS_HOST"
	EnvRedisPort      = "REDIS_PORT"
	EnvRedisPasswd    = "REDIS_PASSWD"
	EnvRedisDB        = "REDIS_DB"
	EnvCouchDBAddr    = "COUCHDB_ADDR"
	EnvCouchDBName    = "COUCHDB_NAME"
	EnvCouchDBUser    = "COUCHDB_USER"
	EnvCouchDBPasswd  = "COUCHDB_PASSWD"
	EnvPostgresDSN    = "POSTGRES_DSN"
	EnvUploadDir      = "UPLOAD_DIR"
	EnvS3Region       = "S3_REGION"
	EnvS3Bucket       = "S3_BUCKET"
	EnvS3Endpoint     = "S3_ENDPOINT"
	EnvS3AccessKeyID  = "S3_ACCESS_KEY_ID"
	EnvS3SecretKey    = "S3_SECRET_ACCESS_KEY"
	EnvS3UsePathStyle = "S3_USE_PATH_STYLE"
	// servers
	EnvWriterServerAddr   = "LV_WRITER_SERVER_ADDR"
	EnvReaderServerAddr   = "LV_READER_SERVER_ADDR"
	EnvReqBodySizeMaxByte = "LV_REQ_BODY_SIZE_MAX_BYTE"
	EnvFileSizeMaxMB      = "MAX_FILE_SIZE_MB"
	EnvTrapName           = "LV_TRAP_NAME"
	// identity
	EnvJWTSecret   = "JWT_SECRET"
	EnvSessionKey  = "LV_SESSION_KEY"
	EnvSessionName = "LV_SESSION_NAME"
	// reaper
	EnvReaperSweepFreq           = "LV_REAPER_SWEEP_FREQ"
	EnvReaperMaxSweepLoad        = "LV_REAPER_MAX_SWEEP_LOAD"
	EnvReaperExecutorPoolSize    = "LV_REAPER_EXEC_POOL_SIZE"
	EnvReaperLocalCacheSize      = "LV_REAPER_LOCAL_CACHE_SIZE"
	EnvReaperWIPCacheEntryExpiry = "LV_REAPER_WIP_CACHE_ENTRY_EXPIRY"

	// -------------- error messages --------------
	ErrMsgRequestBodyTooLarge = "request body too large"
	ErrMsgInaccessible        = "invalid or inaccessible link"

	// -------------- log fields --------------
	LogFieldFuncName    = "funcName"
	LogFieldRecordID    = "recordID"
	LogFieldOwnerID     = "ownerID"
	LogFieldRequesterID = "requesterID"
	LogFieldBlobAddress = "blobAddress"
)
