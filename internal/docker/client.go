// Package docker discovers compose apps on disk and translates running
// containers into the observed app state. It talks to the Docker Engine
// API for inspection and shells out to the compose plugin for container
// enumeration.
package docker

import (
	"net/http"
	"path/filepath"

	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"

	"scotty/internal/config"
	"scotty/internal/errdefs"
)

// NewClient builds a Docker Engine client from the runtime configuration.
// An empty host means the local socket (honoring DOCKER_HOST); a TCP host
// with a cert path gets mutual TLS.
func NewClient(cfg config.DockerConfig) (*client.Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}

	switch {
	case cfg.Host == "":
		opts = append(opts, client.FromEnv)
	case cfg.CertPath != "":
		tlsc, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:             filepath.Join(cfg.CertPath, "ca.pem"),
			CertFile:           filepath.Join(cfg.CertPath, "cert.pem"),
			KeyFile:            filepath.Join(cfg.CertPath, "key.pem"),
			InsecureSkipVerify: !cfg.TLSVerify,
		})
		if err != nil {
			return nil, errdefs.Upstream(err, "load docker TLS material from %s", cfg.CertPath)
		}
		opts = append(opts,
			client.WithHost(cfg.Host),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{TLSClientConfig: tlsc},
			}),
		)
	default:
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errdefs.Upstream(err, "create docker client")
	}
	return cli, nil
}
