// Package config holds client and server options and loads them from CUE or
// YAML files.
//
// Durations are written as Go duration strings ("5s", "250ms"). Fields a file
// leaves out keep their defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ClientOptions configures a synchronizing client.
type ClientOptions struct {
	Endpoint string `yaml:"endpoint"`
	RootName string `yaml:"root_name"`

	EnableLiveSync             bool          `yaml:"enable_live_sync"`
	EnableModelChangeEvents    bool          `yaml:"enable_model_change_events"`
	EnablePeriodicResync       bool          `yaml:"enable_periodic_resync"`
	PeriodicResyncInterval     time.Duration `yaml:"periodic_resync_interval"`
	EnableRemoteNodeManagement bool          `yaml:"enable_remote_node_management"`

	ReconnectInterval        time.Duration `yaml:"reconnect_interval"`
	MaxReconnectDuration     time.Duration `yaml:"max_reconnect_duration"`
	StallDetectionIterations int           `yaml:"stall_detection_iterations"`

	SessionTimeout                  time.Duration `yaml:"session_timeout"`
	KeepAliveInterval               time.Duration `yaml:"keep_alive_interval"`
	SubscriptionHealthCheckInterval time.Duration `yaml:"subscription_health_check_interval"`
	OperationTimeout                time.Duration `yaml:"operation_timeout"`

	// BufferTime batches outgoing value writes. Zero writes immediately.
	BufferTime time.Duration `yaml:"buffer_time"`
}

// DefaultClientOptions returns the client defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Endpoint:                        "opc.tcp://localhost:4840",
		RootName:                        "Root",
		EnableLiveSync:                  true,
		EnableModelChangeEvents:         true,
		EnablePeriodicResync:            false,
		PeriodicResyncInterval:          30 * time.Second,
		ReconnectInterval:               5 * time.Second,
		MaxReconnectDuration:            30 * time.Second,
		StallDetectionIterations:        10,
		SessionTimeout:                  60 * time.Second,
		KeepAliveInterval:               5 * time.Second,
		SubscriptionHealthCheckInterval: 5 * time.Second,
		OperationTimeout:                10 * time.Second,
		BufferTime:                      8 * time.Millisecond,
	}
}

// Validate checks option consistency.
func (o ClientOptions) Validate() error {
	var errs []error
	if o.Endpoint == "" {
		errs = append(errs, &Error{Field: "client.endpoint", Message: "is required"})
	}
	if o.RootName == "" {
		errs = append(errs, &Error{Field: "client.root_name", Message: "is required"})
	}
	if o.ReconnectInterval <= 0 {
		errs = append(errs, &Error{Field: "client.reconnect_interval", Message: "must be positive"})
	}
	if o.EnablePeriodicResync && o.PeriodicResyncInterval <= 0 {
		errs = append(errs, &Error{Field: "client.periodic_resync_interval", Message: "must be positive when periodic resync is enabled"})
	}
	if o.MaxReconnectDuration <= 0 && o.StallDetectionIterations <= 0 {
		errs = append(errs, &Error{Field: "client.max_reconnect_duration", Message: "stall detection needs a duration or an iteration count"})
	}
	if o.SubscriptionHealthCheckInterval <= 0 {
		errs = append(errs, &Error{Field: "client.subscription_health_check_interval", Message: "must be positive"})
	}
	if o.BufferTime < 0 {
		errs = append(errs, &Error{Field: "client.buffer_time", Message: "must not be negative"})
	}
	return errors.Join(errs...)
}

// ServerOptions configures the server binding.
type ServerOptions struct {
	// Endpoint is the opc.tcp URL the address space is served on. Empty
	// keeps the server in-process, reachable only through loopback sessions.
	Endpoint     string `yaml:"endpoint"`
	RootName     string `yaml:"root_name"`
	NamespaceURI string `yaml:"namespace_uri"`

	EnableLiveSync               bool `yaml:"enable_live_sync"`
	EnableExternalNodeManagement bool `yaml:"enable_external_node_management"`

	// TransactionalWrites applies each client write in its own exclusive
	// transaction.
	TransactionalWrites bool `yaml:"transactional_writes"`
}

// DefaultServerOptions returns the server defaults.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		RootName:       "Root",
		NamespaceURI:   "urn:opcsync:nodes",
		EnableLiveSync: true,
	}
}

// Validate checks option consistency.
func (o ServerOptions) Validate() error {
	var errs []error
	if o.RootName == "" {
		errs = append(errs, &Error{Field: "server.root_name", Message: "is required"})
	}
	if o.NamespaceURI == "" {
		errs = append(errs, &Error{Field: "server.namespace_uri", Message: "is required"})
	}
	if o.Endpoint != "" {
		if _, _, err := o.ListenAddress(); err != nil {
			errs = append(errs, &Error{Field: "server.endpoint", Message: err.Error()})
		}
	}
	return errors.Join(errs...)
}

// ListenAddress splits Endpoint into host and port. A missing port means
// the OPC UA default 4840.
func (o ServerOptions) ListenAddress() (host string, port int, err error) {
	u, err := url.Parse(o.Endpoint)
	if err != nil {
		return "", 0, err
	}
	if u.Scheme != "opc.tcp" {
		return "", 0, fmt.Errorf("scheme %q is not opc.tcp", u.Scheme)
	}
	host = u.Hostname()
	if host == "" {
		return "", 0, errors.New("host is required")
	}
	if u.Port() == "" {
		return host, 4840, nil
	}
	port, err = strconv.Atoi(u.Port())
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", u.Port())
	}
	return host, port, nil
}

// File is the top-level layout of a configuration file.
type File struct {
	Client ClientOptions `yaml:"client"`
	Server ServerOptions `yaml:"server"`
}

// Default returns a File holding both defaults.
func Default() File {
	return File{
		Client: DefaultClientOptions(),
		Server: DefaultServerOptions(),
	}
}

// Validate validates both sections.
func (f File) Validate() error {
	return errors.Join(f.Client.Validate(), f.Server.Validate())
}

// Error is a configuration error, optionally positioned in a CUE source.
type Error struct {
	Field   string
	Message string
	Pos     string
}

func (e *Error) Error() string {
	if e.Pos != "" {
		return fmt.Sprintf("%s: %s: %s", e.Pos, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
