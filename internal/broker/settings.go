package broker

import (
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"brancher-go/internal/config"
)

const (
	defaultPort      = 1883
	defaultClientID  = "brancher_web_ui"
	defaultKeepAlive = 60 * time.Second
)

// connSettings are the broker connection parameters carried in the
// device-level extras of a configuration.
type connSettings struct {
	Host        string
	Port        int
	Username    string
	Password    string
	ClientID    string
	KeepAlive   time.Duration
	QoS         byte
	TLS         bool
	TLSInsecure bool
}

func settingsFrom(cfg config.StructuredConfig) connSettings {
	s := connSettings{
		Host:      strings.Trim(strings.TrimSpace(cfg.Get("mqtt_broker")), "[]"),
		Port:      defaultPort,
		Username:  cfg.Get("mqtt_username"),
		Password:  cfg.Get("mqtt_password"),
		ClientID:  cfg.Get("mqtt_client_id"),
		KeepAlive: defaultKeepAlive,
	}
	if p, err := strconv.Atoi(strings.TrimSpace(cfg.Get("mqtt_port"))); err == nil && p > 0 && p < 65536 {
		s.Port = p
	}
	if s.ClientID == "" {
		s.ClientID = defaultClientID
	}
	if ka, err := strconv.Atoi(strings.TrimSpace(cfg.Get("mqtt_keepalive"))); err == nil && ka > 0 {
		s.KeepAlive = time.Duration(ka) * time.Second
	}
	if q, err := strconv.Atoi(strings.TrimSpace(cfg.Get("mqtt_qos"))); err == nil && q >= 0 && q <= 2 {
		s.QoS = byte(q)
	}
	s.TLS = truthy(cfg.Get("mqtt_tls"))
	s.TLSInsecure = truthy(cfg.Get("mqtt_tls_insecure"))
	return s
}

// hasCredentials reports whether both username and password are present.
func (s connSettings) hasCredentials() bool {
	return s.Username != "" && s.Password != ""
}

func (s connSettings) brokerURL() string {
	return brokerScheme(s.TLS) + "://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func brokerScheme(useTLS bool) string {
	if useTLS {
		return "ssl"
	}
	return "tcp"
}

func defaultTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
