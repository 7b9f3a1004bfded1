package bridge

// Drivers selectable through configuration.
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// RedisConfig holds connection settings for the Redis pub/sub broker.
type RedisConfig struct {
	Addr     string // Redis address, default "localhost:6379"
	Password string // Redis password, default ""
	DB       int    // Redis database number, default 0
	Prefix   string // Channel prefix, default "" (channels are tenant:{id} and global:broadcast)
}

