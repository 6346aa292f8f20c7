// defaults.go: default configuration values applied before reading the config file.
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig sets viper defaults for every configuration parameter.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	// Main
	viper.SetDefault("main.name", "highline-capture")
	viper.SetDefault("main.logpath", "logs/")
	viper.SetDefault("main.timeas24", true)

	// Server
	viper.SetDefault("server.origin", "http://localhost:4050")
	viper.SetDefault("server.uploadpath", "/api/items/photos")
	viper.SetDefault("server.websocketpath", "/ws")
	viper.SetDefault("server.timeout", 45*time.Second)

	// Capture
	viper.SetDefault("capture.maxwidth", 1920)
	viper.SetDefault("capture.maxheight", 1080)
	viper.SetDefault("capture.quality", 0.8)
	viper.SetDefault("capture.format", "jpeg")
	viper.SetDefault("capture.thumbnailsize", 150)
	viper.SetDefault("capture.devicetype", "desktop")
	viper.SetDefault("capture.offline", false)

	// Store
	viper.SetDefault("store.path", "capture.db")
	viper.SetDefault("store.retention", 24*time.Hour)

	// Queue
	viper.SetDefault("queue.maxconcurrentuploads", 3)
	viper.SetDefault("queue.retryattempts", 3)
	viper.SetDefault("queue.retrydelay", 2*time.Second)
	viper.SetDefault("queue.cachepath", "queue-cache.gob")
	viper.SetDefault("queue.cacheretention", 24*time.Hour)

	// Realtime channel
	viper.SetDefault("realtime.heartbeatinterval", 30*time.Second)
	viper.SetDefault("realtime.reconnectbasedelay", 2*time.Second)
	viper.SetDefault("realtime.reconnectmaxdelay", 30*time.Second)
	viper.SetDefault("realtime.maxreconnectattempts", 5)

	// Connectivity
	viper.SetDefault("connectivity.probeinterval", 15*time.Second)
	viper.SetDefault("connectivity.probetimeout", 5*time.Second)
}
