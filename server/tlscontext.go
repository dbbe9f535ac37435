// File: server/tlscontext.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS contexts built from CertificateConfig at configure time. A listener's
// handshake picks its context by SNI name, then by listener name, then the
// first configured one.

package server

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-net/api"
)

var tlsVersions = map[string]uint16{
	"":    tls.VersionTLS12,
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// tlsContext is one certificate with its negotiated policy.
type tlsContext struct {
	name        string
	config      *tls.Config
	leaf        *x509.Certificate
	fingerprint string
}

func cipherIDs(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := map[string]uint16{}
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		known[cs.Name] = cs.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, n := range names {
		id, ok := known[strings.TrimSpace(n)]
		if !ok {
			return nil, errors.Errorf("unknown cipher suite %q", n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// depthVerifier rejects peers whose every verified chain carries more than
// depth certificates above the leaf.
func depthVerifier(depth int) func([][]byte, [][]*x509.Certificate) error {
	return func(_ [][]byte, chains [][]*x509.Certificate) error {
		for _, chain := range chains {
			if len(chain)-1 <= depth {
				return nil
			}
		}
		return errors.Errorf("peer certificate chain exceeds verify depth %d", depth)
	}
}

func newTLSContext(name string, cc CertificateConfig) (*tlsContext, error) {
	cert, err := tls.LoadX509KeyPair(cc.ChainPath, cc.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "load key pair")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, errors.Wrap(err, "parse leaf")
	}
	cert.Leaf = leaf

	minVersion, ok := tlsVersions[cc.MinVersion]
	if !ok {
		return nil, errors.Errorf("unknown min_version %q", cc.MinVersion)
	}
	ciphers, err := cipherIDs(cc.Ciphers)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		CipherSuites: ciphers,
	}

	if cc.CAPath != "" {
		pem, err := os.ReadFile(cc.CAPath)
		if err != nil {
			return nil, errors.Wrap(err, "read ca")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates in %s", cc.CAPath)
		}
		cfg.ClientCAs = pool
	}
	if cc.VerifyPeers {
		if cfg.ClientCAs == nil {
			return nil, errors.New("verify_peers requires ca_path")
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		if cc.VerifyDepth > 0 {
			cfg.VerifyPeerCertificate = depthVerifier(cc.VerifyDepth)
		}
	}

	sum := sha256.Sum256(cert.Certificate[0])
	return &tlsContext{
		name:        name,
		config:      cfg,
		leaf:        leaf,
		fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// tlsContexts is the set of contexts of one configured router.
type tlsContexts struct {
	mu     sync.RWMutex
	byName map[string]*tlsContext
	order  []string
}

func buildTLSContexts(certs map[string]CertificateConfig) (*tlsContexts, error) {
	c := &tlsContexts{byName: make(map[string]*tlsContext, len(certs))}
	for name, cc := range certs {
		ctx, err := newTLSContext(name, cc)
		if err != nil {
			return nil, api.Wrap(api.ErrCodeConfig, errors.Wrapf(err, "certificate %s", name))
		}
		c.byName[name] = ctx
		c.order = append(c.order, name)
	}
	sort.Strings(c.order)
	return c, nil
}

// pick selects the context for a handshake on listener.
func (c *tlsContexts) pick(serverName, listener string) *tlsContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.order) == 0 {
		return nil
	}
	if serverName != "" {
		if ctx, ok := c.byName[serverName]; ok {
			return ctx
		}
		for _, name := range c.order {
			if ctx := c.byName[name]; ctx.leaf.VerifyHostname(serverName) == nil {
				return ctx
			}
		}
	}
	if ctx, ok := c.byName[listener]; ok {
		return ctx
	}
	return c.byName[c.order[0]]
}

// serverConfig returns the handshake configuration of listener.
func (c *tlsContexts) serverConfig(listener string) *tls.Config {
	return &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			ctx := c.pick(hello.ServerName, listener)
			if ctx == nil {
				return nil, errors.New("tls contexts released")
			}
			return ctx.config, nil
		},
	}
}

func (c *tlsContexts) fingerprint(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctx, ok := c.byName[name]
	if !ok {
		return "", false
	}
	return ctx.fingerprint, true
}

// release drops every context; later handshakes fail.
func (c *tlsContexts) release() {
	c.mu.Lock()
	c.byName = map[string]*tlsContext{}
	c.order = nil
	c.mu.Unlock()
}
