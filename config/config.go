// Copyright 2017 Pilosa Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the tunables consumed by the index merger and the
// streaming protocol client: HTTP/socket timeouts, retry policy, and the
// partial-download window size (§6 Configuration).
package config

import (
	"crypto/tls"
	"time"

	gotoml "github.com/pelletier/go-toml"

	"github.com/ankitprabhu/viewmerge/toml"
)

// TLSConfig contains TLS passthrough for remote folder worker requests.
type TLSConfig struct {
	CertificatePath    string `toml:"certificate"`
	CertificateKeyPath string `toml:"key"`
	SkipVerify         bool   `toml:"skip-verify"`
}

// TLS builds a *tls.Config from the passthrough options, or nil if unset.
func (c TLSConfig) TLS() *tls.Config {
	if c.CertificatePath == "" && !c.SkipVerify {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: c.SkipVerify} // nolint: gosec
}

// Merger holds options consumed by the merge coordinator and its folder
// workers.
type Merger struct {
	// ConnectTimeout bounds both HTTP request establishment and per-chunk
	// body reads for a remote folder worker. Default 60s.
	ConnectTimeout toml.Duration `toml:"connect-timeout"`

	// MaxRetries is the number of revision-mismatch retry attempts before
	// the coordinator raises revision_sync_failed. Default 30.
	MaxRetries int `toml:"max-retries"`

	// RetryInterval is the sleep between revision-mismatch retries. Default 1s.
	RetryInterval toml.Duration `toml:"retry-interval"`

	// PartialDownloadWindow bounds the number of outstanding, unconsumed
	// response chunks a remote folder worker will buffer. Default 3.
	PartialDownloadWindow int `toml:"partial-download-window"`

	// QueryTimeout is loaded from the config file but no component of this
	// module reads it; the single-spec fast path runs without a watchdog.
	QueryTimeout toml.Duration `toml:"query-timeout"`

	TLS TLSConfig `toml:"tls"`
}

// StreamClient holds options consumed by the streaming protocol client.
type StreamClient struct {
	// Host and Port address the binary protocol endpoint.
	Host string `toml:"host"`
	Port string `toml:"port"`

	// SocketTimeout bounds the SASL-auth/open-connection handshake. Default 5s.
	SocketTimeout toml.Duration `toml:"socket-timeout"`

	// MaxFailoverLogSize caps the failover log accepted by enum_docs_since
	// before too_large_failover_log is raised.
	MaxFailoverLogSize int `toml:"max-failover-log-size"`

	// OpaqueWidth is the bit width of the request-id counter; it wraps to
	// zero at 1<<OpaqueWidth.
	OpaqueWidth uint `toml:"opaque-width"`
}

// Config is the root configuration object for the merger and client.
type Config struct {
	Merger       Merger       `toml:"merger"`
	StreamClient StreamClient `toml:"stream-client"`
}

// NewConfig returns a Config populated with the defaults named in §6.
func NewConfig() *Config {
	c := &Config{}
	c.Merger.ConnectTimeout = toml.Duration(60 * time.Second)
	c.Merger.MaxRetries = 30
	c.Merger.RetryInterval = toml.Duration(time.Second)
	c.Merger.PartialDownloadWindow = 3

	c.StreamClient.Host = "127.0.0.1"
	c.StreamClient.Port = "11210"
	c.StreamClient.SocketTimeout = toml.Duration(5 * time.Second)
	c.StreamClient.MaxFailoverLogSize = 64
	c.StreamClient.OpaqueWidth = 32
	return c
}

// Load reads a TOML document into a Config seeded with defaults, overriding
// only the fields present in data.
func Load(data []byte) (*Config, error) {
	c := NewConfig()
	if err := gotoml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
