package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrNoServer means nothing is listening on the endpoint: the socket path
// is absent or refuses connections.
var ErrNoServer = errors.New("no server running")

// Client issues single-message connections against the daemon endpoint.
type Client struct {
	SocketPath string
}

// NewClient targets socketPath, or the default endpoint when empty.
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return &Client{SocketPath: socketPath}
}

func (c *Client) dial() (*net.UnixConn, error) {
	conn, err := net.Dial("unix", c.SocketPath)
	if err != nil {
		return nil, ErrNoServer
	}
	return conn.(*net.UnixConn), nil
}

// Send writes one fire-and-forget message and closes the connection.
func (c *Client) Send(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	return json.NewEncoder(conn).Encode(m)
}

// roundTrip writes one message, half-closes the write side so the server
// sees EOF, and returns the raw reply bytes.
func (c *Client) roundTrip(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := json.NewEncoder(conn).Encode(m); err != nil {
		return nil, fmt.Errorf("protocol: send request: %w", err)
	}
	if err := conn.CloseWrite(); err != nil {
		return nil, fmt.Errorf("protocol: close write side: %w", err)
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("protocol: read reply: %w", err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("protocol: server closed connection without a reply")
	}
	return reply, nil
}

// Do sends a message that expects an Ack reply.
func (c *Client) Do(m *Message) (*Ack, error) {
	reply, err := c.roundTrip(m)
	if err != nil {
		return nil, err
	}
	var ack Ack
	if err := json.Unmarshal(reply, &ack); err != nil {
		return nil, fmt.Errorf("protocol: decode reply: %w", err)
	}
	return &ack, nil
}

// QueryBuild fetches one build's counts.
func (c *Client) QueryBuild(buildID string) (*BuildInfo, error) {
	reply, err := c.roundTrip(&Message{Kind: KindQueryBuild, BuildID: buildID})
	if err != nil {
		return nil, err
	}
	var info BuildInfo
	if err := json.Unmarshal(reply, &info); err != nil {
		return nil, fmt.Errorf("protocol: decode reply: %w", err)
	}
	return &info, nil
}

// QueryAll fetches the counts of every registered build.
func (c *Client) QueryAll() (*BuildList, error) {
	reply, err := c.roundTrip(&Message{Kind: KindQueryAll})
	if err != nil {
		return nil, err
	}
	var list BuildList
	if err := json.Unmarshal(reply, &list); err != nil {
		return nil, fmt.Errorf("protocol: decode reply: %w", err)
	}
	return &list, nil
}

// Heartbeat probes server liveness. Any well-formed response counts.
func (c *Client) Heartbeat() error {
	_, err := c.roundTrip(&Message{Kind: KindPollHeartbeat})
	return err
}
