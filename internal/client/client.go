// Package client talks to a vaultd daemon.
//
// Every call opens a fresh TCP connection, sends one request and reads one
// response. Key-level edits are read-modify-write: the whole environment is
// fetched with shell-activation, changed locally and saved back as a full
// replacement. Two clients editing the same environment concurrently can
// overwrite each other; the last save wins.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/ASHISH26940/vaultd/internal/protocol"
	"github.com/ASHISH26940/vaultd/internal/store"
)

// DefaultClientID identifies requests made by this package.
const DefaultClientID = "vaultd-cli"

var (
	// ErrKeyNotFound is returned when editing a variable that does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidKey is returned for a variable name a POSIX shell cannot export.
	ErrInvalidKey = errors.New("invalid variable name")
)

var shellName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidKey reports whether key can be exported by a POSIX shell.
func ValidKey(key string) bool {
	return shellName.MatchString(key)
}

func checkKey(key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ResponseError is a failure reported by the daemon.
type ResponseError struct {
	Message      string
	Environments []string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return "request failed"
	}
	return e.Message
}

// Client sends requests to one daemon address.
type Client struct {
	Addr           string
	ClientID       string
	Timeout        time.Duration
	MaxMessageSize int64
}

// New returns a client for addr with default settings.
func New(addr string) *Client {
	return &Client{
		Addr:           addr,
		ClientID:       DefaultClientID,
		Timeout:        10 * time.Second,
		MaxMessageSize: protocol.DefaultMaxMessageSize,
	}
}

// Do performs one raw exchange. A failure response is not an error here;
// callers inspect resp.Success.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if req.ClientID == "" {
		req.ClientID = c.ClientID
	}

	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("connecting to %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if c.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.Timeout))
	}

	data, err := protocol.Encode(req)
	if err != nil {
		return protocol.Response{}, err
	}
	if _, err := conn.Write(data); err != nil {
		return protocol.Response{}, fmt.Errorf("sending request: %w", err)
	}

	limit := c.MaxMessageSize
	if limit <= 0 {
		limit = protocol.DefaultMaxMessageSize
	}
	return protocol.DecodeResponse(conn, limit)
}

// call is Do with failure responses turned into *ResponseError.
func (c *Client) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.Success {
		return resp, &ResponseError{Message: resp.Message, Environments: resp.Environments}
	}
	return resp, nil
}

// ListEnvironments returns the names known to the daemon.
func (c *Client) ListEnvironments(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, protocol.Request{Command: protocol.CmdListEnvironments})
	if err != nil {
		return nil, err
	}
	return resp.Environments, nil
}

// Activate fetches every variable of env, bypassing the command policy.
func (c *Client) Activate(ctx context.Context, env string) (store.Environment, error) {
	return c.Run(ctx, protocol.CmdShellActivation, env)
}

// Run fetches env on behalf of command, which the daemon authorizes.
func (c *Client) Run(ctx context.Context, command, env string) (store.Environment, error) {
	resp, err := c.call(ctx, protocol.Request{Command: command, Environment: env})
	if err != nil {
		return nil, err
	}
	return protocol.Environment(resp.EnvVars), nil
}

// SaveEnvironment replaces env with vars and returns the updated names.
func (c *Client) SaveEnvironment(ctx context.Context, env string, vars store.Environment) ([]string, error) {
	if vars == nil {
		vars = store.Environment{}
	}
	resp, err := c.call(ctx, protocol.Request{
		Command:     protocol.CmdSaveEnvironment,
		Environment: env,
		Variables:   vars,
	})
	if err != nil {
		return nil, err
	}
	return resp.Environments, nil
}

// CreateEnvironment adds an empty environment.
func (c *Client) CreateEnvironment(ctx context.Context, env string) error {
	_, err := c.call(ctx, protocol.Request{Command: protocol.CmdCreateEnvironment, Environment: env})
	return err
}

// DeleteEnvironment removes an environment.
func (c *Client) DeleteEnvironment(ctx context.Context, env string) error {
	_, err := c.call(ctx, protocol.Request{Command: protocol.CmdDeleteEnvironment, Environment: env})
	return err
}

// AddKey sets key in env, overwriting any existing value.
func (c *Client) AddKey(ctx context.Context, env, key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return c.modify(ctx, env, func(vars store.Environment) error {
		vars[key] = value
		return nil
	})
}

// DeleteKey removes key from env.
func (c *Client) DeleteKey(ctx context.Context, env, key string) error {
	return c.modify(ctx, env, func(vars store.Environment) error {
		if _, ok := vars[key]; !ok {
			return fmt.Errorf("%w: '%s' in environment '%s'", ErrKeyNotFound, key, env)
		}
		delete(vars, key)
		return nil
	})
}

// UpdateKey renames oldKey to newKey and sets its value.
func (c *Client) UpdateKey(ctx context.Context, env, oldKey, newKey, newValue string) error {
	if err := checkKey(newKey); err != nil {
		return err
	}
	return c.modify(ctx, env, func(vars store.Environment) error {
		if _, ok := vars[oldKey]; !ok {
			return fmt.Errorf("%w: '%s' in environment '%s'", ErrKeyNotFound, oldKey, env)
		}
		delete(vars, oldKey)
		vars[newKey] = newValue
		return nil
	})
}

func (c *Client) modify(ctx context.Context, env string, fn func(store.Environment) error) error {
	vars, err := c.Activate(ctx, env)
	if err != nil {
		return err
	}
	if err := fn(vars); err != nil {
		return err
	}
	_, err = c.SaveEnvironment(ctx, env, vars)
	return err
}

// ExportLines renders env as POSIX shell export statements, sorted by key.
// Values are single-quoted. Keys that are not valid shell names are left
// out and returned in skipped, since they would be run as shell code.
func ExportLines(env store.Environment) (lines, skipped []string) {
	lines = make([]string, 0, len(env))
	for _, k := range env.Keys() {
		if !ValidKey(k) {
			skipped = append(skipped, k)
			continue
		}
		v := strings.ReplaceAll(env[k], "'", `'\''`)
		lines = append(lines, fmt.Sprintf("export %s='%s'", k, v))
	}
	return lines, skipped
}
