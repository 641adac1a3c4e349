package gateway

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Host      string `envconfig:"GATEWAY_HOST" default:"0.0.0.0"`
	Port      string `envconfig:"GATEWAY_PORT" default:"8081"`
	AuthToken string `envconfig:"GATEWAY_AUTH_TOKEN" default:""`

	MaxConnections    int           `envconfig:"GATEWAY_MAX_CONNECTIONS" default:"100"`
	HeartbeatInterval time.Duration `envconfig:"GATEWAY_HEARTBEAT_INTERVAL" default:"30s"`
	ConnectionTimeout time.Duration `envconfig:"GATEWAY_CONNECTION_TIMEOUT" default:"90s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
