// Package client talks to the FaceGate daemon over its Unix socket
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/MrCodeEU/FaceGate/internal/auth"
	"github.com/MrCodeEU/FaceGate/internal/daemon"
	"github.com/MrCodeEU/FaceGate/internal/identity"
	"github.com/MrCodeEU/FaceGate/internal/liveness"
)

// Options are the fields sent with every request
type Options struct {
	Tenant string
	Device string
}

// Client is a daemon connection. Requests are serialized.
type Client struct {
	opts Options

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the daemon socket
func Dial(ctx context.Context, socketPath string, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return New(conn, opts), nil
}

// New wraps an established connection
func New(conn net.Conn, opts Options) *Client {
	return &Client{opts: opts, conn: conn, reader: bufio.NewReader(conn)}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Challenge asks the daemon for a liveness challenge
func (c *Client) Challenge(ctx context.Context) (*daemon.ChallengeReply, error) {
	resp, err := c.do(ctx, daemon.Request{Op: daemon.OpChallenge})
	if err != nil {
		return nil, err
	}
	return resp.Challenge, nil
}

// Verify runs a gated verification. challengeID may be empty when the
// daemon does not bind challenges.
func (c *Client) Verify(ctx context.Context, kind liveness.Kind, challengeID string, frameA, frameB []byte, claim string) (*auth.Decision, error) {
	resp, err := c.do(ctx, daemon.Request{
		Op:          daemon.OpVerify,
		Challenge:   string(kind),
		ChallengeID: challengeID,
		FrameA:      frameA,
		FrameB:      frameB,
		Claim:       claim,
	})
	if err != nil {
		return nil, err
	}
	return resp.Decision, nil
}

// Identify matches a single frame without a liveness gate
func (c *Client) Identify(ctx context.Context, frame []byte) (*auth.Decision, error) {
	resp, err := c.do(ctx, daemon.Request{Op: daemon.OpIdentify, Frame: frame})
	if err != nil {
		return nil, err
	}
	return resp.Decision, nil
}

// Enroll adds frames to subject and returns how many were stored
func (c *Client) Enroll(ctx context.Context, subject string, frames ...[]byte) (int, error) {
	resp, err := c.do(ctx, daemon.Request{Op: daemon.OpEnroll, Subject: subject, Frames: frames})
	if err != nil {
		return 0, err
	}
	return resp.Added, nil
}

// Remove deletes subject's embeddings
func (c *Client) Remove(ctx context.Context, subject string) (int64, error) {
	resp, err := c.do(ctx, daemon.Request{Op: daemon.OpRemove, Subject: subject})
	if err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// Candidates returns the k best matches for frame
func (c *Client) Candidates(ctx context.Context, frame []byte, k int) ([]identity.Match, error) {
	resp, err := c.do(ctx, daemon.Request{Op: daemon.OpCandidates, Frame: frame, K: k})
	if err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

// Probe reports the daemon's active backends
func (c *Client) Probe(ctx context.Context) (*daemon.ProbeReply, error) {
	resp, err := c.do(ctx, daemon.Request{Op: daemon.OpProbe})
	if err != nil {
		return nil, err
	}
	return resp.Probe, nil
}

func (c *Client) do(ctx context.Context, req daemon.Request) (*daemon.Response, error) {
	req.Tenant = c.opts.Tenant
	req.Device = c.opts.Device

	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	reply, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp daemon.Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	// Rejections carry a decision and no error
	if !resp.OK && resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}
