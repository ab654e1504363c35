// Package docker observes containers through the Docker API, over a
// unix socket, TCP with optional TLS, or an SSH tunnel.
package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerevents "github.com/docker/docker/api/types/events"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/trafegodns/trafegodns/internal/source"
	"github.com/trafegodns/trafegodns/internal/types"
)

var _ source.EventSource = (*Source)(nil)

// TLSConfig holds paths to certificates for TCP endpoints.
type TLSConfig struct {
	CA   string `mapstructure:"ca"`
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

// SSHConfig holds key material for ssh:// endpoints.
type SSHConfig struct {
	Key           string `mapstructure:"key"`
	KeyPassphrase string `mapstructure:"key_passphrase"`
}

// Config is the Docker source configuration.
type Config struct {
	Endpoint    string    `mapstructure:"endpoint"`
	FilterLabel string    `mapstructure:"filter_label"`
	TLS         TLSConfig `mapstructure:"tls"`
	SSH         SSHConfig `mapstructure:"ssh"`
}

// Source observes containers via the Docker API.
type Source struct {
	cfg    Config
	client *client.Client
}

// New creates a Docker source.
func New(cfg Config) *Source {
	return &Source{cfg: cfg}
}

// Name implements source.Source.
func (s *Source) Name() string { return "docker" }

// Connect implements source.Source.
func (s *Source) Connect(ctx context.Context) error {
	endpoint := s.cfg.Endpoint
	if endpoint == "" {
		endpoint = "unix:///var/run/docker.sock"
	}

	var opts []client.Opt

	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		opts = append(opts,
			client.WithHost(endpoint),
			client.WithAPIVersionNegotiation(),
		)
	case strings.HasPrefix(endpoint, "tcp://"):
		httpClient, err := s.createHTTPClient()
		if err != nil {
			return fmt.Errorf("failed to create HTTP client: %w", err)
		}
		opts = append(opts,
			client.WithHost(endpoint),
			client.WithHTTPClient(httpClient),
			client.WithAPIVersionNegotiation(),
		)
	case strings.HasPrefix(endpoint, "ssh://"):
		httpClient, err := s.createSSHClient(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("failed to create SSH client: %w", err)
		}
		// Actual connection goes through the SSH dialer.
		opts = append(opts,
			client.WithHTTPClient(httpClient),
			client.WithHost("http://docker"),
			client.WithAPIVersionNegotiation(),
		)
	default:
		return fmt.Errorf("unsupported endpoint scheme: %s", endpoint)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return fmt.Errorf("failed to connect to Docker: %w", err)
	}

	s.client = cli
	log.Info().Str("endpoint", endpoint).Msg("Connected to Docker")
	return nil
}

// Close implements source.Source.
func (s *Source) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Observe implements source.Source by listing running containers.
// Hostname derivation from labels happens in the intent builder; the
// observation carries the raw label map.
func (s *Source) Observe(ctx context.Context) ([]types.Observation, error) {
	if s.client == nil {
		return nil, fmt.Errorf("docker client not connected")
	}

	containers, err := s.client.ContainerList(ctx, container.ListOptions{
		All: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []types.Observation
	for _, c := range containers {
		if s.cfg.FilterLabel != "" && !matchesFilter(c.Labels, s.cfg.FilterLabel) {
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, types.Observation{
			ContainerID:   c.ID,
			ContainerName: name,
			Labels:        c.Labels,
		})
	}
	return out, nil
}

// Watch implements source.EventSource by streaming container
// lifecycle events until ctx is canceled.
func (s *Source) Watch(ctx context.Context, events chan<- types.ContainerEvent) error {
	if s.client == nil {
		return fmt.Errorf("docker client not connected")
	}

	msgChan, errChan := s.client.Events(ctx, dockerevents.ListOptions{})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("docker event stream error: %w", err)
			}
		case msg := <-msgChan:
			if msg.Type != "container" {
				continue
			}

			var eventType types.ContainerEventType
			switch msg.Action {
			case "start":
				eventType = types.ContainerStart
			case "stop":
				eventType = types.ContainerStop
			case "die":
				eventType = types.ContainerDie
			case "destroy":
				eventType = types.ContainerDestroy
			case "create":
				eventType = types.ContainerCreate
			default:
				continue
			}

			if s.cfg.FilterLabel != "" && !matchesFilter(msg.Actor.Attributes, s.cfg.FilterLabel) {
				continue
			}

			evt := types.ContainerEvent{
				Type:          eventType,
				ContainerID:   msg.Actor.ID,
				ContainerName: msg.Actor.Attributes["name"],
				Timestamp:     time.Unix(msg.Time, msg.TimeNano),
			}

			select {
			case events <- evt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// createHTTPClient creates the HTTP client for TCP endpoints.
func (s *Source) createHTTPClient() (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if s.cfg.TLS.CA != "" || s.cfg.TLS.Cert != "" {
		tlsConfig := &tls.Config{}

		if s.cfg.TLS.CA != "" {
			caCert, err := os.ReadFile(s.cfg.TLS.CA)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA cert: %w", err)
			}
			caCertPool := x509.NewCertPool()
			caCertPool.AppendCertsFromPEM(caCert)
			tlsConfig.RootCAs = caCertPool
		}

		if s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "" {
			cert, err := tls.LoadX509KeyPair(s.cfg.TLS.Cert, s.cfg.TLS.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to load client cert: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		transport.TLSClientConfig = tlsConfig
	}

	return &http.Client{Transport: transport}, nil
}

// createSSHClient creates an HTTP client that dials the remote Docker
// socket through SSH.
func (s *Source) createSSHClient(ctx context.Context, endpoint string) (*http.Client, error) {
	sshURL := strings.TrimPrefix(endpoint, "ssh://")
	parts := strings.Split(sshURL, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid SSH URL format: %s", endpoint)
	}

	user := parts[0]
	hostPort := parts[1]
	if !strings.Contains(hostPort, ":") {
		hostPort += ":22"
	}

	keyPath := s.cfg.SSH.Key
	if keyPath == "" {
		home, _ := os.UserHomeDir()
		keyPath = home + "/.ssh/id_rsa"
	}

	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %w", err)
	}

	var signer ssh.Signer
	if s.cfg.SSH.KeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(s.cfg.SSH.KeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: implement proper host key verification
		Timeout:         30 * time.Second,
	}

	sshClient, err := ssh.Dial("tcp", hostPort, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH server: %w", err)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return sshClient.Dial("unix", "/var/run/docker.sock")
		},
	}

	return &http.Client{Transport: transport}, nil
}

// matchesFilter checks labels against a "key=value" filter. An empty
// value matches any value for the key.
func matchesFilter(labels map[string]string, filter string) bool {
	parts := strings.SplitN(filter, "=", 2)
	if len(parts) != 2 {
		return true
	}

	key, value := parts[0], parts[1]
	if v, ok := labels[key]; ok {
		if value == "" || v == value {
			return true
		}
	}
	return false
}
