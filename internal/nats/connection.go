// Package nats manages the NATS connection that carries runtime events off the host
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
)

// ConnectionConfig describes the event connection
type ConnectionConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true"` // comma-separated server list
	Name    string `yaml:"name"`

	// MaxReconnects of -1 reconnects forever
	MaxReconnects int           `yaml:"max_reconnects" validate:"gte=-1"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" validate:"min=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	DrainTimeout  time.Duration `yaml:"drain_timeout" validate:"min=0"`

	Token           string `yaml:"token"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	CredentialsFile string `yaml:"credentials_file"`

	// SubjectPrefix is prepended to the event type, e.g. talos.events.task.status_changed
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConnectionConfig is disabled and points at url
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:           url,
		Name:          "talos",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		DrainTimeout:  5 * time.Second,
		SubjectPrefix: "talos.events",
	}
}

// options turns cfg into client options, logging connection state changes
func options(cfg ConnectionConfig, logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("NATS async error", zap.Error(err))
		}),
	}
	if cfg.DrainTimeout > 0 {
		opts = append(opts, nats.DrainTimeout(cfg.DrainTimeout))
	}

	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return opts
}

// Connect dials the server, giving up when ctx is done. A connection that
// completes after ctx is done is closed.
func Connect(ctx context.Context, cfg ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, talerrors.New(talerrors.KindConfiguration, "NATS URL is empty", nil)
	}

	dialed := make(chan *nats.Conn, 1)
	failed := make(chan error, 1)
	go func() {
		nc, err := nats.Connect(cfg.URL, options(cfg, logger)...)
		if err != nil {
			failed <- err
			return
		}
		dialed <- nc
	}()

	select {
	case nc := <-dialed:
		logger.Info("Connected to NATS",
			zap.String("url", nc.ConnectedUrl()),
			zap.String("server_id", nc.ConnectedServerId()))
		return nc, nil
	case err := <-failed:
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	case <-ctx.Done():
		go func() {
			select {
			case nc := <-dialed:
				nc.Close()
			case <-failed:
			}
		}()
		return nil, fmt.Errorf("NATS connect aborted: %w", ctx.Err())
	}
}

// Close drains the connection so buffered events reach the server
func Close(conn *nats.Conn) error {
	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// IsConnected reports whether conn is usable right now
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}
