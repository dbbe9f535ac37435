// File: cmd/hioload-net/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/client"
)

var dialCmd = &cli.Command{
	Name:  "dial",
	Usage: "connect, send one line and print the reply",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "host", Value: "localhost"},
		&cli.IntFlag{Name: "port", Required: true},
		&cli.BoolFlag{Name: "tls", Usage: "negotiate TLS after connecting"},
		&cli.BoolFlag{Name: "insecure", Usage: "skip server certificate verification"},
		&cli.StringFlag{Name: "ca", Usage: "PEM bundle trusted for the server certificate"},
		&cli.StringFlag{Name: "message", Value: "hello"},
		&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second},
	},
	Action: dial,
}

func dialTLS(ctx *cli.Context) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: ctx.Bool("insecure")}
	if path := ctx.String("ca"); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading ca bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates in %s", path)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func dial(ctx *cli.Context) error {
	rt, err := newRuntime(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer rt.close()
	rt.mux.Activate()
	defer func() {
		if err := rt.mux.Deactivate(); err != nil {
			log.L.WithError(err).Debug("reactor deactivate")
		}
	}()

	cfg := client.DefaultConfig()
	cfg.Host = api.RemoteHost{Hostname: ctx.String("host"), Port: ctx.Int("port"), Secure: ctx.Bool("tls")}
	cfg.Timeout = ctx.Duration("timeout")
	if cfg.Host.Secure {
		if cfg.TLSConfig, err = dialTLS(ctx); err != nil {
			return err
		}
	}
	c, err := client.New(rt.mux, rt.exec, rt.resolver, cfg)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	var out bytes.Buffer
	connectCtx, cancel := context.WithTimeout(ctx.Context, cfg.Timeout)
	defer cancel()
	_ = c.Connect(connectCtx, func(err error) {
		if err != nil {
			reply <- err
			return
		}
		log.G(connectCtx).WithField("remote", c.Socket().Remote().String()).Info("connected")
		exchange(c, []byte(ctx.String("message")+"\r\n"), &out, reply)
	})

	select {
	case err = <-reply:
	case <-connectCtx.Done():
		err = api.Wrap(api.ErrCodeTimeout, connectCtx.Err())
	}
	if err == nil {
		fmt.Fprint(ctx.App.Writer, out.String())
	}

	closed := make(chan error, 1)
	c.Close(func(err error) { closed <- err })
	if cerr := <-closed; cerr != nil {
		log.L.WithError(cerr).Debug("close")
	}
	return err
}

// exchange writes msg and collects the reply up to and including CRLF.
func exchange(c *client.Client, msg []byte, out *bytes.Buffer, reply chan<- error) {
	c.Socket().WriteAsync(msg, func(_ int, err error) {
		if err != nil {
			reply <- errors.Wrap(err, "write")
			return
		}
		c.Socket().ReadUntilAsync(crlf, 0, func(chunk []byte, found bool, err error) {
			if err != nil {
				reply <- errors.Wrap(err, "read")
				return
			}
			out.Write(chunk)
			if found {
				reply <- nil
			}
		})
	})
}
