package app

import (
	"strings"

	"github.com/charlesng35/confsessions/pkg/logger"
)

// ConfigureLogging initialises the global logger, defaulting to info. Every entry carries the
// server id when one is configured.
func ConfigureLogging(server ServerConfig, cluster ClusterConfig) error {
	level := strings.TrimSpace(server.LogLevel)
	if level == "" {
		level = "info"
	}

	opts := logger.Options{Level: level, Format: server.LogFormat}
	if id := strings.TrimSpace(cluster.ServerID); id != "" {
		opts.Fields = map[string]string{"server_id": id}
	}
	return logger.InitWithOptions(opts)
}
