package utils

import "time"

type HTTPClientConfig struct {
	Timeout       time.Duration // dial, TLS handshake and response header budget
	KATimeout     time.Duration
	IdleTimeout   time.Duration // max gap between body reads
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
	UserAgent     string
	Headers       map[string]string
}

type DownloadEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
}
