package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

type Client struct {
	client  *modbus.ModbusClient
	mu      sync.Mutex
	host    string
	port    int
	unitID  uint8
	timeout time.Duration
}

func NewClient(host string, port int, unitID uint8, timeout time.Duration) *Client {
	if port == 0 {
		port = 502
	}
	if unitID == 0 {
		unitID = 1
	}
	return &Client{
		host:    host,
		port:    port,
		unitID:  unitID,
		timeout: timeout,
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", c.host, c.port),
		Timeout: c.timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create modbus client: %w", err)
	}

	if err := client.Open(); err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", c.host, c.port, err)
	}

	client.SetUnitId(c.unitID)
	// Meter floats are big-endian words, low word first.
	client.SetEncoding(modbus.BIG_ENDIAN, modbus.LOW_WORD_FIRST)
	c.client = client

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// ReadFloat32s reads count consecutive float32 input registers starting at address.
func (c *Client) ReadFloat32s(address uint16, count uint16) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	values, err := c.client.ReadFloat32s(address, count, modbus.INPUT_REGISTER)
	if err != nil {
		return nil, fmt.Errorf("failed to read float registers at %d: %w", address, err)
	}

	return values, nil
}

func (c *Client) Reconnect() error {
	c.Close()
	return c.Connect()
}
