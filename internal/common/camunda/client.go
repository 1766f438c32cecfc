// internal/common/camunda/client.go
package camunda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"practice-rules-engine/internal/common/config"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/common/retry"
)

// Client wraps the Zeebe gRPC client with connection retry.
type Client struct {
	client  zbc.Client
	timeout time.Duration
}

// DefaultConnectPolicy bounds how long startup waits for the broker.
var DefaultConnectPolicy = retry.Policy{
	MaxAttempts:  4,
	InitialDelay: 1 * time.Second,
	MaxDelay:     10 * time.Second,
}

// NewClient connects to the broker in cfg and verifies it with a topology
// request. Only transient failures are retried.
func NewClient(ctx context.Context, cfg config.CamundaConfig, log logger.Logger) (*Client, error) {
	if cfg.BrokerAddress == "" {
		return nil, fmt.Errorf("camunda.broker_address is required")
	}

	zeebeClient, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         cfg.BrokerAddress,
		UsePlaintextConnection: !cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Zeebe client: %w", err)
	}

	c := &Client{client: zeebeClient, timeout: config.GetDuration(cfg.RequestTimeout)}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}

	err = retry.Do(ctx, DefaultConnectPolicy, func(ctx context.Context) error {
		if err := c.HealthCheck(ctx); err != nil {
			if !IsTransient(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		log.Warn("zeebe broker not reachable, retrying", map[string]interface{}{
			"broker":  cfg.BrokerAddress,
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	})
	if err != nil {
		zeebeClient.Close()
		return nil, fmt.Errorf("failed to connect to Zeebe broker at %s: %w", cfg.BrokerAddress, err)
	}

	log.Info("connected to zeebe", map[string]interface{}{"broker": cfg.BrokerAddress})
	return c, nil
}

// GetClient returns the raw Zeebe client for job workers.
func (c *Client) GetClient() zbc.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// HealthCheck performs a topology request against the broker.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.client.NewTopologyCommand().Send(ctx); err != nil {
		return fmt.Errorf("zeebe health check failed: %w", err)
	}
	return nil
}

// IsTransient reports whether a Zeebe error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"unavailable",
		"unreachable",
		"broken pipe",
	} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
