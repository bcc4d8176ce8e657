package common

type ConfigKey int

const (
	StageKey ConfigKey = iota
	VerboseKey
	HostKey
	PortKey
	LocalAddressKey
	HealthCheckIntervalKey
	PostgresKey
	PostgresHostKey
	PostgresDBKey
	PostgresUserKey
	PostgresPasswordKey
	PostgresAdminKey
	PostgresAdminPasswordKey
	ClickHouseHostKey
	ClickHouseDBKey
	ClickHouseUserKey
	ClickHousePasswordKey
	RedisAddrKey
	RedisClusterKey
	RedisPasswordKey
	MLBaseURLKey
	MLTimeoutKey
	OCRTimeoutKey
	AssetBaseURLKey
	S3EndpointKey
	S3RegionKey
	S3BucketKey
	S3AccessKeyKey
	S3SecretKeyKey
	PresignTTLKey
	ImageTokenSecretKey
	DemoPublicKeyKey
	DemoSecretKeyKey
	AdminTokenKey
	CaptchaTTLKey
	TokenTTLKey
	SessionTTLKey
	IPLimitPerMinuteKey
	IPLimitPerHourKey
	IPLimitPerDayKey
	KeyLimitPerMinuteKey
	KeyLimitPerDayKey
	SuspiciousTTLKey
	RateLimitFailOpenKey
	RateLimitHeaderKey
	RateLimitRateKey
	RateLimitBurstKey
	CORSOriginsKey
	LocalImagesRootKey
	// Add new fields _above_
	COMMON_CONFIG_KEYS_COUNT
)
