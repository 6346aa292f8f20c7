// validate.go: sanity checks applied to loaded settings.
package conf

import (
	"fmt"
	"net/url"
	"strings"
)

var validDeviceTypes = map[string]bool{
	"mobile":  true,
	"tablet":  true,
	"desktop": true,
}

// ValidateSettings checks a loaded Settings struct for values the pipeline
// cannot operate with.
func ValidateSettings(settings *Settings) error {
	u, err := url.Parse(settings.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin %q is not a valid URL", settings.Server.Origin)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.origin scheme must be http or https, got %q", u.Scheme)
	}

	if !strings.HasPrefix(settings.Server.UploadPath, "/") {
		return fmt.Errorf("server.uploadpath must start with /, got %q", settings.Server.UploadPath)
	}

	if settings.Capture.Quality <= 0 || settings.Capture.Quality > 1 {
		return fmt.Errorf("capture.quality must be in (0, 1], got %v", settings.Capture.Quality)
	}
	if settings.Capture.MaxWidth <= 0 || settings.Capture.MaxHeight <= 0 {
		return fmt.Errorf("capture dimensions must be positive, got %dx%d",
			settings.Capture.MaxWidth, settings.Capture.MaxHeight)
	}
	if settings.Capture.Format != "jpeg" && settings.Capture.Format != "png" {
		return fmt.Errorf("capture.format must be jpeg or png, got %q", settings.Capture.Format)
	}
	if !validDeviceTypes[settings.Capture.DeviceType] {
		return fmt.Errorf("capture.devicetype must be mobile, tablet or desktop, got %q",
			settings.Capture.DeviceType)
	}

	if settings.Queue.MaxConcurrentUploads < 1 {
		return fmt.Errorf("queue.maxconcurrentuploads must be at least 1, got %d",
			settings.Queue.MaxConcurrentUploads)
	}
	if settings.Queue.RetryAttempts < 0 {
		return fmt.Errorf("queue.retryattempts must not be negative, got %d",
			settings.Queue.RetryAttempts)
	}

	if settings.Realtime.MaxReconnectAttempts < 1 {
		return fmt.Errorf("realtime.maxreconnectattempts must be at least 1, got %d",
			settings.Realtime.MaxReconnectAttempts)
	}
	if settings.Realtime.ReconnectBaseDelay <= 0 ||
		settings.Realtime.ReconnectMaxDelay < settings.Realtime.ReconnectBaseDelay {
		return fmt.Errorf("realtime reconnect delays are inconsistent: base=%v max=%v",
			settings.Realtime.ReconnectBaseDelay, settings.Realtime.ReconnectMaxDelay)
	}

	return nil
}

// WebsocketURL derives the duplex channel URL from the configured origin.
// Production and development deployments differ only in origin.
func (s *ServerSettings) WebsocketURL() string {
	u, err := url.Parse(s.Origin)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = s.WebsocketPath
	return u.String()
}

// UploadURL derives the REST upload endpoint from the configured origin.
func (s *ServerSettings) UploadURL() string {
	return strings.TrimSuffix(s.Origin, "/") + s.UploadPath
}
