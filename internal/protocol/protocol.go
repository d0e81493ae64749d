// Package protocol defines the JSON messages exchanged with the daemon.
//
// A client opens a TCP connection, writes one Request object and reads one
// Response object. The connection is closed after the exchange. Messages
// are bounded in size; anything larger fails to decode.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ASHISH26940/vaultd/internal/store"
)

const (
	// DefaultPort is the TCP port the daemon listens on.
	DefaultPort = 4000

	// DefaultEnvironment is used when a request names no environment.
	DefaultEnvironment = "dev"

	// DefaultMaxMessageSize bounds a single request or response.
	DefaultMaxMessageSize = 4096
)

// Commands handled by the daemon itself. Any other command string is a user
// command and goes through the authorization policy.
const (
	CmdListEnvironments  = "list-environments"
	CmdSaveEnvironment   = "save-environment"
	CmdCreateEnvironment = "create-environment"
	CmdDeleteEnvironment = "delete-environment"
	CmdShellActivation   = "shell-activation"
)

// ErrInvalidRequest is returned when a request cannot be decoded.
var ErrInvalidRequest = errors.New("invalid request format")

// Request is one client message.
type Request struct {
	ClientID    string            `json:"client_id"`
	Command     string            `json:"command"`
	Environment string            `json:"environment,omitempty"`
	Variables   map[string]string `json:"variables"`
}

// EnvironmentOrDefault returns the requested environment, or
// DefaultEnvironment when none was given.
func (r Request) EnvironmentOrDefault() string {
	if r.Environment == "" {
		return DefaultEnvironment
	}
	return r.Environment
}

// Response is the daemon's answer to one Request. A nil EnvVars or
// Environments is left out of the JSON; an empty non-nil one is sent as [].
type Response struct {
	Success      bool     `json:"success"`
	EnvVars      []Pair   `json:"env_vars,omitempty"`
	Message      string   `json:"message,omitempty"`
	Environments []string `json:"environments,omitempty"`
}

// MarshalJSON encodes r, keeping empty lists that were set.
func (r Response) MarshalJSON() ([]byte, error) {
	type wire struct {
		Success      bool      `json:"success"`
		EnvVars      *[]Pair   `json:"env_vars,omitempty"`
		Message      string    `json:"message,omitempty"`
		Environments *[]string `json:"environments,omitempty"`
	}
	w := wire{Success: r.Success, Message: r.Message}
	if r.EnvVars != nil {
		w.EnvVars = &r.EnvVars
	}
	if r.Environments != nil {
		w.Environments = &r.Environments
	}
	return json.Marshal(w)
}

// Pair is a single variable. It is encoded as a two-element JSON array.
type Pair struct {
	Key   string
	Value string
}

// MarshalJSON encodes p as ["key","value"].
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Key, p.Value})
}

// UnmarshalJSON decodes ["key","value"].
func (p *Pair) UnmarshalJSON(data []byte) error {
	var kv []string
	if err := json.Unmarshal(data, &kv); err != nil {
		return err
	}
	if len(kv) != 2 {
		return fmt.Errorf("pair must have 2 elements, got %d", len(kv))
	}
	p.Key, p.Value = kv[0], kv[1]
	return nil
}

// Pairs lists the variables of env sorted by key.
func Pairs(env store.Environment) []Pair {
	pairs := make([]Pair, 0, len(env))
	for _, k := range env.Keys() {
		pairs = append(pairs, Pair{Key: k, Value: env[k]})
	}
	return pairs
}

// Environment turns pairs back into a map. Later duplicates win.
func Environment(pairs []Pair) store.Environment {
	env := make(store.Environment, len(pairs))
	for _, p := range pairs {
		env[p.Key] = p.Value
	}
	return env
}

// wireRequest distinguishes missing required fields from empty ones.
type wireRequest struct {
	ClientID    *string           `json:"client_id"`
	Command     *string           `json:"command"`
	Environment *string           `json:"environment"`
	Variables   map[string]string `json:"variables"`
}

// DecodeRequest reads one request of at most limit bytes from r.
// client_id and command are required. Errors wrap ErrInvalidRequest and,
// for read failures, the underlying error (io.EOF for an empty stream).
func DecodeRequest(r io.Reader, limit int64) (Request, error) {
	var w wireRequest
	if err := json.NewDecoder(io.LimitReader(r, limit)).Decode(&w); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if w.ClientID == nil {
		return Request{}, fmt.Errorf("%w: missing client_id", ErrInvalidRequest)
	}
	if w.Command == nil {
		return Request{}, fmt.Errorf("%w: missing command", ErrInvalidRequest)
	}

	req := Request{
		ClientID:  *w.ClientID,
		Command:   *w.Command,
		Variables: w.Variables,
	}
	if w.Environment != nil {
		req.Environment = *w.Environment
	}
	return req, nil
}

// DecodeResponse reads one response of at most limit bytes from r.
func DecodeResponse(r io.Reader, limit int64) (Response, error) {
	var resp Response
	if err := json.NewDecoder(io.LimitReader(r, limit)).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

// Encode marshals v and appends a newline.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
