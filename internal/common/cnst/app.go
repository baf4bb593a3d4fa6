package cnst

const (
	AppName     = "wshub"
	CommandName = "wshub"
)

// ConfigFile is the config file looked up when --conf is not given
const ConfigFile = "wshub.yaml"

// Redis deployment types accepted by relay.cluster_type
const (
	RedisClusterTypeSingle   = "single"
	RedisClusterTypeSentinel = "sentinel"
	RedisClusterTypeCluster  = "cluster"
)
