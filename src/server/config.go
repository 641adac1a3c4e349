package server

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Port the admin HTTP API listens on. The client gateway has its own
	// listener and config.
	Port string `envconfig:"API_PORT" default:"8080"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
