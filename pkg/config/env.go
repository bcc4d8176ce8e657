package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

var (
	errEmptyEnvVar  = errors.New("environment variable is empty")
	errEmptyEnvName = errors.New("environment variable name is empty")
)

type envConfigValue struct {
	key   common.ConfigKey
	value string
}

var _ common.ConfigItem = (*envConfigValue)(nil)

var (
	configKeyToEnvName []string
	configKeyStrMux    sync.Mutex
)

func init() {
	configKeyStrMux.Lock()
	defer configKeyStrMux.Unlock()

	if len(configKeyToEnvName) < int(common.COMMON_CONFIG_KEYS_COUNT) {
		configKeyToEnvName = make([]string, common.COMMON_CONFIG_KEYS_COUNT)
	}

	configKeyToEnvName[common.StageKey] = "STAGE"
	configKeyToEnvName[common.VerboseKey] = "AC_VERBOSE"
	configKeyToEnvName[common.HostKey] = "AC_HOST"
	configKeyToEnvName[common.PortKey] = "AC_PORT"
	configKeyToEnvName[common.LocalAddressKey] = "AC_LOCAL_ADDRESS"
	configKeyToEnvName[common.HealthCheckIntervalKey] = "AC_HEALTHCHECK_INTERVAL"
	configKeyToEnvName[common.PostgresKey] = "AC_POSTGRES"
	configKeyToEnvName[common.PostgresHostKey] = "AC_POSTGRES_HOST"
	configKeyToEnvName[common.PostgresDBKey] = "AC_POSTGRES_DB"
	configKeyToEnvName[common.PostgresUserKey] = "AC_POSTGRES_USER"
	configKeyToEnvName[common.PostgresPasswordKey] = "AC_POSTGRES_PASSWORD"
	configKeyToEnvName[common.PostgresAdminKey] = "AC_POSTGRES_ADMIN"
	configKeyToEnvName[common.PostgresAdminPasswordKey] = "AC_POSTGRES_ADMIN_PASSWORD"
	configKeyToEnvName[common.ClickHouseHostKey] = "AC_CLICKHOUSE_HOST"
	configKeyToEnvName[common.ClickHouseDBKey] = "AC_CLICKHOUSE_DB"
	configKeyToEnvName[common.ClickHouseUserKey] = "AC_CLICKHOUSE_USER"
	configKeyToEnvName[common.ClickHousePasswordKey] = "AC_CLICKHOUSE_PASSWORD"
	configKeyToEnvName[common.RedisAddrKey] = "AC_REDIS_ADDR"
	configKeyToEnvName[common.RedisClusterKey] = "AC_REDIS_CLUSTER"
	configKeyToEnvName[common.RedisPasswordKey] = "AC_REDIS_PASSWORD"
	configKeyToEnvName[common.MLBaseURLKey] = "AC_ML_BASE_URL"
	configKeyToEnvName[common.MLTimeoutKey] = "AC_ML_TIMEOUT"
	configKeyToEnvName[common.OCRTimeoutKey] = "AC_OCR_TIMEOUT"
	configKeyToEnvName[common.AssetBaseURLKey] = "AC_ASSET_BASE_URL"
	configKeyToEnvName[common.S3EndpointKey] = "AC_S3_ENDPOINT"
	configKeyToEnvName[common.S3RegionKey] = "AC_S3_REGION"
	configKeyToEnvName[common.S3BucketKey] = "AC_S3_BUCKET"
	configKeyToEnvName[common.S3AccessKeyKey] = "AC_S3_ACCESS_KEY"
	configKeyToEnvName[common.S3SecretKeyKey] = "AC_S3_SECRET_KEY"
	configKeyToEnvName[common.PresignTTLKey] = "AC_PRESIGN_TTL"
	configKeyToEnvName[common.ImageTokenSecretKey] = "AC_IMAGE_TOKEN_SECRET"
	configKeyToEnvName[common.DemoPublicKeyKey] = "AC_DEMO_PUBLIC_KEY"
	configKeyToEnvName[common.DemoSecretKeyKey] = "AC_DEMO_SECRET_KEY"
	configKeyToEnvName[common.AdminTokenKey] = "AC_ADMIN_TOKEN"
	configKeyToEnvName[common.CaptchaTTLKey] = "AC_CAPTCHA_TTL"
	configKeyToEnvName[common.TokenTTLKey] = "AC_TOKEN_TTL"
	configKeyToEnvName[common.SessionTTLKey] = "AC_SESSION_TTL"
	configKeyToEnvName[common.IPLimitPerMinuteKey] = "AC_IP_LIMIT_PER_MINUTE"
	configKeyToEnvName[common.IPLimitPerHourKey] = "AC_IP_LIMIT_PER_HOUR"
	configKeyToEnvName[common.IPLimitPerDayKey] = "AC_IP_LIMIT_PER_DAY"
	configKeyToEnvName[common.KeyLimitPerMinuteKey] = "AC_KEY_LIMIT_PER_MINUTE"
	configKeyToEnvName[common.KeyLimitPerDayKey] = "AC_KEY_LIMIT_PER_DAY"
	configKeyToEnvName[common.SuspiciousTTLKey] = "AC_SUSPICIOUS_TTL"
	configKeyToEnvName[common.RateLimitFailOpenKey] = "AC_RATE_LIMIT_FAIL_OPEN"
	configKeyToEnvName[common.RateLimitHeaderKey] = "AC_RATE_LIMIT_HEADER"
	configKeyToEnvName[common.RateLimitRateKey] = "AC_RATE_LIMIT_RPS"
	configKeyToEnvName[common.RateLimitBurstKey] = "AC_RATE_LIMIT_BURST"
	configKeyToEnvName[common.CORSOriginsKey] = "AC_CORS_ORIGINS"
	configKeyToEnvName[common.LocalImagesRootKey] = "AC_LOCAL_IMAGES_ROOT"

	for i, v := range configKeyToEnvName {
		if len(v) == 0 {
			panic(fmt.Sprintf("found unconfigured value for key: %v", i))
		}
	}
}

func (v *envConfigValue) Key() common.ConfigKey {
	return v.key
}

func (v *envConfigValue) Value() string {
	return v.value
}

func (v *envConfigValue) Update(getenv func(string) string) error {
	var name string
	if int(v.key) < len(configKeyToEnvName) {
		name = configKeyToEnvName[v.key]
	}
	if len(name) == 0 {
		return errEmptyEnvName
	}

	value := getenv(name)
	v.value = value
	if len(value) == 0 {
		return errEmptyEnvVar
	}

	return nil
}

type envConfig struct {
	lock   sync.Mutex
	items  map[common.ConfigKey]*envConfigValue
	getenv func(string) string
}

var _ common.ConfigStore = (*envConfig)(nil)

func NewEnvConfig(getenv func(string) string) *envConfig {
	return &envConfig{
		items:  make(map[common.ConfigKey]*envConfigValue),
		getenv: getenv,
	}
}

func (c *envConfig) Get(key common.ConfigKey) common.ConfigItem {
	c.lock.Lock()
	defer c.lock.Unlock()

	item, ok := c.items[key]
	if ok {
		return item
	}

	var name string
	if int(key) < len(configKeyToEnvName) {
		name = configKeyToEnvName[key]
	}

	// NOTE: not optimal to read under the lock, but it's not _too_ bad here
	item = &envConfigValue{
		key:   key,
		value: c.getenv(name),
	}
	c.items[key] = item

	return item
}

func (c *envConfig) Update(ctx context.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for key, cfg := range c.items {
		if err := cfg.Update(c.getenv); err != nil {
			slog.WarnContext(ctx, "Cannot update environment config", "key", configKeyToEnvName[key], common.ErrAttr(err))
		}
	}
}
