// config.go: settings struct and loading for the capture pipeline.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

//go:embed config.yaml
var configFiles embed.FS

// MainSettings holds process-wide identity and logging options.
type MainSettings struct {
	Name     string // client name, used as upload device identity
	LogPath  string // directory for per-service log files
	TimeAs24 bool   `mapstructure:"timeas24"` // display times in 24h format
}

// ServerSettings describes the inventory backend this client talks to.
type ServerSettings struct {
	Origin        string // scheme://host:port of the backend
	UploadPath    string `mapstructure:"uploadpath"`    // REST photo upload path
	WebsocketPath string `mapstructure:"websocketpath"` // duplex channel path
	Timeout       time.Duration
}

// CaptureSettings controls image processing at capture time.
type CaptureSettings struct {
	MaxWidth      int     `mapstructure:"maxwidth"`
	MaxHeight     int     `mapstructure:"maxheight"`
	Quality       float64 // JPEG quality, 0..1
	Format        string  // jpeg or png
	ThumbnailSize int     `mapstructure:"thumbnailsize"` // square thumbnail edge in px
	DeviceType    string  `mapstructure:"devicetype"`    // mobile, tablet or desktop
	Offline       bool    // store only, skip uploads
}

// StoreSettings configures the durable photo store.
type StoreSettings struct {
	Path      string        // sqlite database file
	Retention time.Duration // sweep age for uploaded photos
}

// QueueSettings configures the upload queue manager.
type QueueSettings struct {
	MaxConcurrentUploads int           `mapstructure:"maxconcurrentuploads"`
	RetryAttempts        int           `mapstructure:"retryattempts"`
	RetryDelay           time.Duration `mapstructure:"retrydelay"`
	CachePath            string        `mapstructure:"cachepath"` // queue metadata cache file
	CacheRetention       time.Duration `mapstructure:"cacheretention"`
}

// RealtimeSettings configures the duplex event channel.
type RealtimeSettings struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeatinterval"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnectbasedelay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnectmaxdelay"`
	MaxReconnectAttempts int           `mapstructure:"maxreconnectattempts"`
}

// ConnectivitySettings configures the online/offline prober.
type ConnectivitySettings struct {
	ProbeInterval time.Duration `mapstructure:"probeinterval"`
	ProbeTimeout  time.Duration `mapstructure:"probetimeout"`
}

// Settings is the root configuration structure.
type Settings struct {
	Debug bool

	Main         MainSettings
	Server       ServerSettings
	Capture      CaptureSettings
	Store        StoreSettings
	Queue        QueueSettings
	Realtime     RealtimeSettings
	Connectivity ConnectivitySettings
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment into a Settings instance.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with defaults and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded default config to the first config path.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(getDefaultConfig()), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("Error reading embedded config file: %v", err)
	}
	return string(data)
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			if _, err := Load(); err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

// GetDefaultConfigPaths returns the config search paths in priority order:
// current directory, then the user config directory.
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{"."}
	userConfig, err := os.UserConfigDir()
	if err == nil {
		paths = append(paths, filepath.Join(userConfig, "highline-capture"))
	}
	home, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths, filepath.Join(home, ".config", "highline-capture"))
	}
	return paths, nil
}
