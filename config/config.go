// Package config loads the configuration of vault binaries from the environment.
package config

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/spf13/viper"

	"linkvault.io/vault/common/logging"
	rt "linkvault.io/vault/common/retry"
	cst "linkvault.io/vault/constants"
	"linkvault.io/vault/identity"
	"linkvault.io/vault/reaper"
	st "linkvault.io/vault/stores"
	"linkvault.io/vault/vault"

	// registers the postgres driver with database/sql
	_ "github.com/lib/pq"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendCouchDB  = "couchdb"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendS3       = "s3"
)

type RedisConfig struct {
	Host   string
	Port   string
	Passwd string
	DB     int
}

// Config is the configuration shared by the writer, reader and reaper binaries.
type Config struct {
	Verbose bool

	DefaultExpiry   time.Duration
	PublicBaseURL   string
	DownloadBaseURL string
	StoreTimeout    time.Duration
	BlobTimeout     time.Duration
	AccessRetryMax  int
	IDAttempts      int
	DownloadSecret  string
	DownloadTTL     time.Duration

	RecordBackend string
	BlobBackend   string
	Redis         RedisConfig
	Couch         st.CouchConfig
	PostgresDSN   string
	UploadDir     string
	S3            st.S3Config

	WriterAddr         string
	ReaderAddr         string
	ReqBodySizeMaxByte int64
	MaxFileSize        int64
	TrapName           string

	JWTSecret   string
	SessionKey  string
	SessionName string

	Reaper reaper.Config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(cst.EnvDefaultExpiryMinutes, 10)
	v.SetDefault(cst.EnvPublicBaseURL, "http://localhost:3000")
	v.SetDefault(cst.EnvDownloadBaseURL, "http://localhost:8081")
	v.SetDefault(cst.EnvStoreTimeout, "5s")
	v.SetDefault(cst.EnvBlobTimeout, "2m")
	v.SetDefault(cst.EnvAccessRetryMax, 3)
	v.SetDefault(cst.EnvIDAttempts, 5)
	v.SetDefault(cst.EnvDownloadTTL, "10m")
	v.SetDefault(cst.EnvRecordBackend, BackendRedis)
	v.SetDefault(cst.EnvBlobBackend, BackendLocal)
	v.SetDefault(cst.EnvRedisHost, "localhost")
	v.SetDefault(cst.EnvRedisPort, "6379")
	v.SetDefault(cst.EnvCouchDBName, "linkvault")
	v.SetDefault(cst.EnvUploadDir, "uploads")
	v.SetDefault(cst.EnvWriterServerAddr, ":8080")
	v.SetDefault(cst.EnvReaderServerAddr, ":8081")
	v.SetDefault(cst.EnvReqBodySizeMaxByte, 11<<20)
	v.SetDefault(cst.EnvFileSizeMaxMB, 10)
	v.SetDefault(cst.EnvTrapName, "email")
	v.SetDefault(cst.EnvSessionName, "linkvault")
	v.SetDefault(cst.EnvReaperSweepFreq, "5m")
	v.SetDefault(cst.EnvReaperMaxSweepLoad, 0)
	v.SetDefault(cst.EnvReaperExecutorPoolSize, 8)
	v.SetDefault(cst.EnvReaperLocalCacheSize, 1024)
	v.SetDefault(cst.EnvReaperWIPCacheEntryExpiry, "1m")
}

// Load reads the configuration from v, which is expected to have AutomaticEnv turned on, and validates it.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	c := &Config{
		Verbose:         v.GetBool(cst.EnvVerbose),
		DefaultExpiry:   time.Duration(v.GetInt(cst.EnvDefaultExpiryMinutes)) * time.Minute,
		PublicBaseURL:   strings.TrimRight(v.GetString(cst.EnvPublicBaseURL), "/"),
		DownloadBaseURL: strings.TrimRight(v.GetString(cst.EnvDownloadBaseURL), "/"),
		StoreTimeout:    v.GetDuration(cst.EnvStoreTimeout),
		BlobTimeout:     v.GetDuration(cst.EnvBlobTimeout),
		AccessRetryMax:  v.GetInt(cst.EnvAccessRetryMax),
		IDAttempts:      v.GetInt(cst.EnvIDAttempts),
		DownloadSecret:  v.GetString(cst.EnvDownloadSecret),
		DownloadTTL:     v.GetDuration(cst.EnvDownloadTTL),
		RecordBackend:   strings.ToLower(v.GetString(cst.EnvRecordBackend)),
		BlobBackend:     strings.ToLower(v.GetString(cst.EnvBlobBackend)),
		Redis: RedisConfig{
			Host:   v.GetString(cst.EnvRedisHost),
			Port:   v.GetString(cst.EnvRedisPort),
			Passwd: v.GetString(cst.EnvRedisPasswd),
			DB:     v.GetInt(cst.EnvRedisDB),
		},
		Couch: st.CouchConfig{
			DBAddr:     v.GetString(cst.EnvCouchDBAddr),
			DBName:     v.GetString(cst.EnvCouchDBName),
			DBUsername: v.GetString(cst.EnvCouchDBUser),
			DBPasswd:   v.GetString(cst.EnvCouchDBPasswd),
		},
		PostgresDSN: v.GetString(cst.EnvPostgresDSN),
		UploadDir:   v.GetString(cst.EnvUploadDir),
		S3: st.S3Config{
			Region:          v.GetString(cst.EnvS3Region),
			Bucket:          v.GetString(cst.EnvS3Bucket),
			AccessKeyID:     v.GetString(cst.EnvS3AccessKeyID),
			SecretAccessKey: v.GetString(cst.EnvS3SecretKey),
			Endpoint:        v.GetString(cst.EnvS3Endpoint),
			UsePathStyle:    v.GetBool(cst.EnvS3UsePathStyle),
		},
		WriterAddr:         v.GetString(cst.EnvWriterServerAddr),
		ReaderAddr:         v.GetString(cst.EnvReaderServerAddr),
		ReqBodySizeMaxByte: v.GetInt64(cst.EnvReqBodySizeMaxByte),
		MaxFileSize:        v.GetInt64(cst.EnvFileSizeMaxMB) << 20,
		TrapName:           v.GetString(cst.EnvTrapName),
		JWTSecret:          v.GetString(cst.EnvJWTSecret),
		SessionKey:         v.GetString(cst.EnvSessionKey),
		SessionName:        v.GetString(cst.EnvSessionName),
		Reaper: reaper.Config{
			Interval:     v.GetDuration(cst.EnvReaperSweepFreq),
			MaxLoad:      v.GetInt(cst.EnvReaperMaxSweepLoad),
			PoolSize:     v.GetInt(cst.EnvReaperExecutorPoolSize),
			CacheSize:    v.GetInt(cst.EnvReaperLocalCacheSize),
			WIPExpiry:    v.GetDuration(cst.EnvReaperWIPCacheEntryExpiry),
			StoreTimeout: v.GetDuration(cst.EnvStoreTimeout),
		},
	}
	c.S3.DownloadBaseURL = c.DownloadBaseURL
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch {
	case c.DefaultExpiry <= 0:
		return fmt.Errorf("%s must be positive", cst.EnvDefaultExpiryMinutes)
	case c.StoreTimeout <= 0:
		return fmt.Errorf("%s must be positive", cst.EnvStoreTimeout)
	case c.BlobTimeout <= 0:
		return fmt.Errorf("%s must be positive", cst.EnvBlobTimeout)
	case c.AccessRetryMax <= 0:
		return fmt.Errorf("%s must be positive", cst.EnvAccessRetryMax)
	case c.DownloadTTL <= 0:
		return fmt.Errorf("%s must be positive", cst.EnvDownloadTTL)
	case c.IDAttempts <= 0:
		return fmt.Errorf("%s must be positive", cst.EnvIDAttempts)
	case c.MaxFileSize <= 0:
		return fmt.Errorf("%s must be positive", cst.EnvFileSizeMaxMB)
	case c.ReqBodySizeMaxByte <= 0:
		return fmt.Errorf("%s must be positive", cst.EnvReqBodySizeMaxByte)
	case c.Reaper.Interval <= 0:
		return fmt.Errorf("%s must be positive", cst.EnvReaperSweepFreq)
	case c.Reaper.PoolSize <= 0:
		return fmt.Errorf("%s must be positive", cst.EnvReaperExecutorPoolSize)
	case c.Reaper.MaxLoad < 0:
		return fmt.Errorf("%s must not be negative", cst.EnvReaperMaxSweepLoad)
	}
	switch c.RecordBackend {
	case BackendMemory, BackendRedis:
	case BackendCouchDB:
		if c.Couch.DBAddr == "" {
			return fmt.Errorf("%s is required by the %s record backend", cst.EnvCouchDBAddr, BackendCouchDB)
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%s is required by the %s record backend", cst.EnvPostgresDSN, BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown record backend %q", c.RecordBackend)
	}
	switch c.BlobBackend {
	case BackendLocal:
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("%s is required by the %s blob backend", cst.EnvS3Bucket, BackendS3)
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.BlobBackend)
	}
	return nil
}

// Vault derives the configuration of the vault service.
func (c *Config) Vault() vault.Config {
	return vault.Config{
		DefaultExpiry:  c.DefaultExpiry,
		PublicBaseURL:  c.PublicBaseURL,
		StoreTimeout:   c.StoreTimeout,
		BlobTimeout:    c.BlobTimeout,
		AccessRetryMax: c.AccessRetryMax,
		IDAttempts:     c.IDAttempts,
		MaxFileSize:    c.MaxFileSize,
		DownloadSecret: c.downloadSecret(),
		DownloadTTL:    c.DownloadTTL,
	}
}

// downloadSecret falls back to the credential secrets so that replicas agree on download links
func (c *Config) downloadSecret() []byte {
	for _, s := range []string{c.DownloadSecret, c.JWTSecret, c.SessionKey} {
		if s != "" {
			return []byte(s)
		}
	}
	return nil
}

// Identity builds the requester identification out of the configured credentials; bearer tokens are
// consulted before session cookies.
func (c *Config) Identity() (identity.Provider, error) {
	var chain identity.Chain
	if c.JWTSecret != "" {
		chain = append(chain, &identity.BearerProvider{Secret: []byte(c.JWTSecret)})
	}
	if c.SessionKey != "" {
		chain = append(chain, identity.NewSessionProvider([]byte(c.SessionKey), c.SessionName))
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("one of %s and %s is required", cst.EnvJWTSecret, cst.EnvSessionKey)
	}
	return chain, nil
}

func depRetryOpts() []rt.RetryOption {
	return []rt.RetryOption{
		rt.WithTimeout(10 * time.Second),
		rt.WithBaseDelay(100 * time.Millisecond),
		rt.WithExp(2.0),
		rt.WithMaxBackoff(2 * time.Second),
		rt.WithRetryOn(rt.IsDepOffline),
	}
}

// RecordStore connects to the configured record backend, waiting for it to come up.
func (c *Config) RecordStore(ctx context.Context) (st.RecordStore, error) {
	clog := logging.WithFuncName().WithField("backend", c.RecordBackend)
	switch c.RecordBackend {
	case BackendMemory:
		clog.Warn("records are kept in process memory and lost on exit")
		return st.NewMemoryStore(), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:       fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port),
			Password:   c.Redis.Passwd,
			DB:         c.Redis.DB,
			MaxRetries: 3,
		})
		// verify the client is up correctly
		pingFn := func() error {
			_, err := client.Ping().Result()
			return err
		}
		if err := rt.Retry(pingFn, depRetryOpts()...); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed initializing Redis: %w", err)
		}
		return st.NewRedisStore(client), nil
	case BackendCouchDB:
		s, e := st.NewCouchStore(ctx, &c.Couch)
		if e != nil {
			return nil, e
		}
		if err := rt.Retry(func() error { return s.Ping(ctx) }, depRetryOpts()...); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed initializing CouchDB: %w", err)
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		db, err := sql.Open("postgres", c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed opening Postgres: %w", err)
		}
		if err := rt.Retry(func() error { return db.PingContext(ctx) }, depRetryOpts()...); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed initializing Postgres: %w", err)
		}
		s := st.NewPostgresStore(db)
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown record backend %q", c.RecordBackend)
}

// BlobStore sets up the configured blob backend.
func (c *Config) BlobStore(ctx context.Context) (st.BlobStore, error) {
	switch c.BlobBackend {
	case BackendLocal:
		s, err := st.NewLocalFileStore(c.UploadDir, c.DownloadBaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendS3:
		s, err := st.NewS3Store(ctx, &c.S3)
		if err != nil {
			return nil, err
		}
		if err := rt.Retry(func() error { return s.Ping(ctx) }, depRetryOpts()...); err != nil {
			return nil, fmt.Errorf("failed reaching S3 bucket %s: %w", c.S3.Bucket, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", c.BlobBackend)
}
