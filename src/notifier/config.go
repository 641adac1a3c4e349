package notifier

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// AlertWebhookURL receives a POST per terminal alert. Blank disables it.
	AlertWebhookURL string `envconfig:"ALERT_WEBHOOK_URL" default:""`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
