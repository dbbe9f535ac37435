// File: server/router.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Router is the server's configuration surface: named listen entries, named
// certificates and the pooling / timeout parameters.

package server

import (
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-net/api"
)

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

// CertificateConfig names the files and policy of one TLS context.
type CertificateConfig struct {
	KeyPath     string   `yaml:"key_path"`
	ChainPath   string   `yaml:"chain_path"`
	CAPath      string   `yaml:"ca_path,omitempty"`
	Ciphers     []string `yaml:"ciphers,omitempty"`
	MinVersion  string   `yaml:"min_version,omitempty"`
	VerifyPeers bool     `yaml:"verify_peers,omitempty"`
	VerifyDepth int      `yaml:"verify_depth,omitempty"`
}

// Router configures a Server.
type Router struct {
	Listeners    map[string]api.RemoteHost    `yaml:"listeners"`
	Certificates map[string]CertificateConfig `yaml:"certificates,omitempty"`

	PayloadMaxLength  int      `yaml:"payload_max_length"`
	BacklogQueue      int      `yaml:"backlog_queue"`
	SocketTimeout     Duration `yaml:"socket_timeout"`
	MaxConnections    int      `yaml:"max_connections"`
	KeepAliveMaxCount int      `yaml:"keep_alive_max_count"`
	GracefulTimeWait  Duration `yaml:"graceful_time_wait"`
	EnableNoDelay     bool     `yaml:"enable_no_delay"`
}

// DefaultRouter returns a Router with no listeners and default limits.
func DefaultRouter() Router {
	return Router{
		Listeners:         map[string]api.RemoteHost{},
		Certificates:      map[string]CertificateConfig{},
		PayloadMaxLength:  1 << 20,
		BacklogQueue:      128,
		SocketTimeout:     Duration(30 * time.Second),
		MaxConnections:    1024,
		KeepAliveMaxCount: 100,
		GracefulTimeWait:  Duration(5 * time.Second),
		EnableNoDelay:     true,
	}
}

// ParseRouter decodes YAML over DefaultRouter and validates the result.
func ParseRouter(data []byte) (Router, error) {
	r := DefaultRouter()
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Router{}, api.Wrap(api.ErrCodeConfig, errors.Wrap(err, "parse router"))
	}
	if err := r.Validate(); err != nil {
		return Router{}, err
	}
	return r, nil
}

// LoadRouter reads and parses a YAML router file.
func LoadRouter(path string) (Router, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Router{}, api.Wrap(api.ErrCodeConfig, errors.Wrapf(err, "read %s", path))
	}
	r, err := ParseRouter(data)
	if err != nil {
		return Router{}, errors.Wrap(err, path)
	}
	return r, nil
}

// Validate checks ports, limits and that secure listeners have certificates.
func (r Router) Validate() error {
	for name, h := range r.Listeners {
		if h.Port < 0 || h.Port > 65535 {
			return api.Errorf(api.ErrCodeConfig, "listener %s: port %d out of range", name, h.Port)
		}
		if h.Secure && len(r.Certificates) == 0 {
			return api.Errorf(api.ErrCodeConfig, "listener %s: secure without certificates", name)
		}
	}
	for name, c := range r.Certificates {
		if c.KeyPath == "" || c.ChainPath == "" {
			return api.Errorf(api.ErrCodeConfig, "certificate %s: key_path and chain_path are required", name)
		}
		if c.VerifyDepth < 0 {
			return api.Errorf(api.ErrCodeConfig, "certificate %s: negative verify_depth", name)
		}
	}
	switch {
	case r.BacklogQueue < 0:
		return api.Errorf(api.ErrCodeConfig, "negative backlog_queue")
	case r.MaxConnections <= 0:
		return api.Errorf(api.ErrCodeConfig, "max_connections must be positive")
	case r.PayloadMaxLength < 0:
		return api.Errorf(api.ErrCodeConfig, "negative payload_max_length")
	case r.SocketTimeout < 0 || r.GracefulTimeWait < 0:
		return api.Errorf(api.ErrCodeConfig, "negative timeout")
	}
	return nil
}

// ListenerNames returns the listener names in sorted order.
func (r Router) ListenerNames() []string {
	names := make([]string, 0, len(r.Listeners))
	for name := range r.Listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r Router) clone() Router {
	c := r
	c.Listeners = make(map[string]api.RemoteHost, len(r.Listeners))
	for k, v := range r.Listeners {
		c.Listeners[k] = v
	}
	c.Certificates = make(map[string]CertificateConfig, len(r.Certificates))
	for k, v := range r.Certificates {
		c.Certificates[k] = v
	}
	return c
}
