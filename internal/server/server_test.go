// Package server_test contains the unit tests for the server package.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ASHISH26940/vaultd/internal/client"
	"github.com/ASHISH26940/vaultd/internal/persistence"
	"github.com/ASHISH26940/vaultd/internal/policy"
	"github.com/ASHISH26940/vaultd/internal/protocol"
	"github.com/ASHISH26940/vaultd/internal/store"
	"github.com/ASHISH26940/vaultd/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// failingCommitter rejects every mutation, standing in for a broken disk.
type failingCommitter struct{ err error }

func (f failingCommitter) Commit(context.Context, vault.Mutation) error { return f.err }

type fixture struct {
	srv   *Server
	vault *vault.Vault
	addr  string
}

func newFixture(t *testing.T, contents string, cfg Config) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "secrets.toml")
	if contents != "" {
		require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	}

	logger := zaptest.NewLogger(t)
	v := vault.New(store.New(), persistence.NewFile(path), logger)
	v.Open()

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := New(cfg, v.Store(), v, policy.Prefix, logger)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return &fixture{srv: srv, vault: v, addr: srv.Addr().String()}
}

// exchange writes payload on a raw connection and decodes the reply.
func exchange(t *testing.T, addr, payload string) (protocol.Response, error) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	return protocol.DecodeResponse(conn, 1<<20)
}

const devOnly = "[dev]\nAPI_KEY=\"abc\"\n"

// TestScenario walks through the documented request sequence against a
// file that holds a single dev environment.
func TestScenario(t *testing.T) {
	f := newFixture(t, devOnly, Config{})

	// --- list-environments ---
	resp, err := exchange(t, f.addr, `{"client_id":"t","command":"list-environments"}`)
	require.NoError(t, err)
	assert.Equal(t, protocol.Response{Success: true, Environments: []string{"dev"}}, resp)

	// --- shell-activation on dev ---
	resp, err = exchange(t, f.addr, `{"client_id":"t","command":"shell-activation","environment":"dev"}`)
	require.NoError(t, err)
	assert.Equal(t, protocol.Response{
		Success: true,
		EnvVars: []protocol.Pair{{Key: "API_KEY", Value: "abc"}},
	}, resp)

	// --- unauthorized command ---
	resp, err = exchange(t, f.addr, `{"client_id":"t","command":"rm -rf /","environment":"dev"}`)
	require.NoError(t, err)
	assert.Equal(t, protocol.Response{Message: "Unauthorized command: rm -rf /"}, resp)

	// --- unknown environment ---
	resp, err = exchange(t, f.addr, `{"client_id":"t","command":"shell-activation","environment":"prod"}`)
	require.NoError(t, err)
	assert.Equal(t, protocol.Response{
		Message:      "Environment 'prod' not found",
		Environments: []string{"dev"},
	}, resp)
}

func TestHandle_DefaultEnvironmentIsDev(t *testing.T) {
	f := newFixture(t, devOnly, Config{})

	resp := f.srv.Handle(context.Background(), protocol.Request{ClientID: "t", Command: "python3 app.py"})
	assert.True(t, resp.Success)
	assert.Equal(t, []protocol.Pair{{Key: "API_KEY", Value: "abc"}}, resp.EnvVars)
}

func TestHandle_AllowedCommands(t *testing.T) {
	f := newFixture(t, devOnly, Config{})

	for _, cmd := range []string{"echo hi", "python3 app.py", "node index.js", "nodexyz"} {
		resp := f.srv.Handle(context.Background(), protocol.Request{ClientID: "t", Command: cmd, Environment: "dev"})
		assert.True(t, resp.Success, cmd)
		assert.Equal(t, "abc", protocol.Environment(resp.EnvVars)["API_KEY"], cmd)
	}
}

func TestHandle_StrictPolicy(t *testing.T) {
	f := newFixture(t, devOnly, Config{})
	f.srv.policy = policy.Strict

	resp := f.srv.Handle(context.Background(), protocol.Request{ClientID: "t", Command: "nodexyz"})
	assert.False(t, resp.Success)
	assert.Equal(t, "Unauthorized command: nodexyz", resp.Message)

	// Shell activation is never subject to the policy.
	resp = f.srv.Handle(context.Background(), protocol.Request{ClientID: "t", Command: protocol.CmdShellActivation})
	assert.True(t, resp.Success)
}

func TestHandle_ShellActivationBypassesPolicy(t *testing.T) {
	f := newFixture(t, devOnly, Config{})
	f.srv.policy = policy.Func(func(string) bool { return false })

	resp := f.srv.Handle(context.Background(), protocol.Request{ClientID: "t", Command: protocol.CmdShellActivation, Environment: "dev"})
	assert.True(t, resp.Success)
	assert.Equal(t, []protocol.Pair{{Key: "API_KEY", Value: "abc"}}, resp.EnvVars)

	resp = f.srv.Handle(context.Background(), protocol.Request{ClientID: "t", Command: "echo hi", Environment: "dev"})
	assert.False(t, resp.Success)
}

func TestHandle_UnknownEnvironmentAnyCommand(t *testing.T) {
	f := newFixture(t, devOnly+"[prod]\nX=\"1\"\n", Config{})

	for _, cmd := range []string{"echo hi", "rm -rf /", protocol.CmdShellActivation} {
		resp := f.srv.Handle(context.Background(), protocol.Request{ClientID: "t", Command: cmd, Environment: "qa"})
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Message, "qa")
		assert.Equal(t, []string{"dev", "prod"}, resp.Environments)
	}
}

func TestHandle_Save(t *testing.T) {
	f := newFixture(t, devOnly, Config{})
	ctx := context.Background()

	// --- Test Case 1: variables missing ---
	resp := f.srv.Handle(ctx, protocol.Request{ClientID: "t", Command: protocol.CmdSaveEnvironment, Environment: "prod"})
	assert.Equal(t, protocol.Response{Message: "no variables provided"}, resp)

	// --- Test Case 2: save a new environment ---
	resp = f.srv.Handle(ctx, protocol.Request{
		ClientID:    "t",
		Command:     protocol.CmdSaveEnvironment,
		Environment: "prod",
		Variables:   map[string]string{"K": "V"},
	})
	assert.Equal(t, protocol.Response{Success: true, Environments: []string{"dev", "prod"}}, resp)

	resp = f.srv.Handle(ctx, protocol.Request{ClientID: "t", Command: protocol.CmdShellActivation, Environment: "prod"})
	assert.Equal(t, []protocol.Pair{{Key: "K", Value: "V"}}, resp.EnvVars)

	// --- Test Case 3: the file reflects the save ---
	snap, err := f.vault.File().Load()
	require.NoError(t, err)
	assert.Equal(t, store.Environment{"K": "V"}, snap["prod"])

	// --- Test Case 4: no environment means dev ---
	resp = f.srv.Handle(ctx, protocol.Request{
		ClientID:  "t",
		Command:   protocol.CmdSaveEnvironment,
		Variables: map[string]string{"API_KEY": "rotated"},
	})
	assert.True(t, resp.Success)
	env, _ := f.vault.Store().Get("dev")
	assert.Equal(t, store.Environment{"API_KEY": "rotated"}, env)
}

func TestHandle_SaveFailure(t *testing.T) {
	f := newFixture(t, devOnly, Config{})
	f.srv.committer = failingCommitter{err: errors.New("disk full")}

	resp := f.srv.Handle(context.Background(), protocol.Request{
		ClientID:    "t",
		Command:     protocol.CmdSaveEnvironment,
		Environment: "dev",
		Variables:   map[string]string{"A": "1"},
	})
	assert.False(t, resp.Success)
	assert.Equal(t, "Failed to save environment 'dev': disk full", resp.Message)

	env, _ := f.vault.Store().Get("dev")
	assert.Equal(t, store.Environment{"API_KEY": "abc"}, env)
}

func TestHandle_CreateAndDelete(t *testing.T) {
	f := newFixture(t, devOnly, Config{})
	ctx := context.Background()

	resp := f.srv.Handle(ctx, protocol.Request{ClientID: "t", Command: protocol.CmdCreateEnvironment, Environment: "qa"})
	assert.Equal(t, protocol.Response{
		Success:      true,
		Message:      "Environment 'qa' created",
		Environments: []string{"dev", "qa"},
	}, resp)

	resp = f.srv.Handle(ctx, protocol.Request{ClientID: "t", Command: protocol.CmdCreateEnvironment, Environment: "qa"})
	assert.Equal(t, protocol.Response{
		Message:      "Environment 'qa' already exists",
		Environments: []string{"dev", "qa"},
	}, resp)

	resp = f.srv.Handle(ctx, protocol.Request{ClientID: "t", Command: protocol.CmdDeleteEnvironment, Environment: "qa"})
	assert.Equal(t, protocol.Response{
		Success:      true,
		Message:      "Environment 'qa' deleted",
		Environments: []string{"dev"},
	}, resp)

	resp = f.srv.Handle(ctx, protocol.Request{ClientID: "t", Command: protocol.CmdDeleteEnvironment, Environment: "qa"})
	assert.Equal(t, protocol.Response{
		Message:      "Environment 'qa' not found",
		Environments: []string{"dev"},
	}, resp)
}

func TestServer_MalformedRequest(t *testing.T) {
	f := newFixture(t, devOnly, Config{})

	for _, payload := range []string{
		`hello`,
		`{"client_id":"t"}`,
		`{"client_id":"t","command":`,
		`{"command":"list-environments"}`,
	} {
		resp, err := exchange(t, f.addr, payload)
		require.NoError(t, err, payload)
		assert.Equal(t, protocol.Response{Message: "Invalid request format"}, resp, payload)
	}

	// The listener keeps serving afterwards.
	resp, err := exchange(t, f.addr, `{"client_id":"t","command":"list-environments"}`)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestServer_OversizedRequest(t *testing.T) {
	f := newFixture(t, devOnly, Config{MaxMessageSize: 128})

	payload := fmt.Sprintf(`{"client_id":"t","command":"echo %s","environment":"dev"}`, strings.Repeat("x", 512))
	resp, err := exchange(t, f.addr, payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.Response{Message: "Invalid request format"}, resp)
}

func TestServer_OversizedRequestWithoutHalfClose(t *testing.T) {
	f := newFixture(t, devOnly, Config{MaxMessageSize: 128})

	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	payload := fmt.Sprintf(`{"client_id":"t","command":"echo %s"}`, strings.Repeat("x", 4096))
	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)

	resp, err := protocol.DecodeResponse(conn, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, protocol.Response{Message: "Invalid request format"}, resp)
}

func TestServer_EmptyListsAreSent(t *testing.T) {
	f := newFixture(t, "[empty]\n", Config{})

	raw := func(payload string) string {
		conn, err := net.Dial("tcp", f.addr)
		require.NoError(t, err)
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		_, err = io.WriteString(conn, payload)
		require.NoError(t, err)
		conn.(*net.TCPConn).CloseWrite()
		data, err := io.ReadAll(conn)
		require.NoError(t, err)
		return string(data)
	}

	assert.Equal(t, `{"success":true,"env_vars":[]}`+"\n",
		raw(`{"client_id":"t","command":"shell-activation","environment":"empty"}`))

	require.NoError(t, f.vault.Apply(vault.Mutation{Op: vault.OpDelete, Name: "empty"}))
	assert.Equal(t, `{"success":true,"environments":[]}`+"\n",
		raw(`{"client_id":"t","command":"list-environments"}`))
	assert.Equal(t, `{"success":false,"message":"Environment 'dev' not found","environments":[]}`+"\n",
		raw(`{"client_id":"t","command":"node app.js"}`))
}

func TestServer_EmptyConnection(t *testing.T) {
	f := newFixture(t, devOnly, Config{})

	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	conn.Close()

	resp, err := exchange(t, f.addr, `{"client_id":"t","command":"list-environments"}`)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestServer_ReadTimeout(t *testing.T) {
	f := newFixture(t, devOnly, Config{ReadTimeout: 50 * time.Millisecond})

	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Send nothing; the server gives up and closes the connection.
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestServer_StopClosesIdleConnections(t *testing.T) {
	f := newFixture(t, devOnly, Config{})

	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer conn.Close()

	// Give the accept loop a moment to pick the connection up.
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a connection was idle")
	}
	f.srv.Wait()
}

func TestServer_ClientKeyOperations(t *testing.T) {
	f := newFixture(t, devOnly, Config{})
	c := client.New(f.addr)
	ctx := context.Background()

	require.NoError(t, c.AddKey(ctx, "dev", "DB_URL", "postgres://x"))
	require.NoError(t, c.UpdateKey(ctx, "dev", "API_KEY", "TOKEN", "t0k"))

	env, err := c.Activate(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, store.Environment{"DB_URL": "postgres://x", "TOKEN": "t0k"}, env)

	require.NoError(t, c.DeleteKey(ctx, "dev", "DB_URL"))
	err = c.DeleteKey(ctx, "dev", "DB_URL")
	assert.ErrorIs(t, err, client.ErrKeyNotFound)

	// Deleting the last key leaves an empty environment, not a missing one.
	require.NoError(t, c.DeleteKey(ctx, "dev", "TOKEN"))
	env, err = c.Activate(ctx, "dev")
	require.NoError(t, err)
	assert.Empty(t, env)

	names, err := c.ListEnvironments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, names)
}

func TestServer_ClientEnvironmentLifecycle(t *testing.T) {
	f := newFixture(t, "", Config{})
	c := client.New(f.addr)
	ctx := context.Background()

	require.NoError(t, c.CreateEnvironment(ctx, "qa"))

	var respErr *client.ResponseError
	err := c.CreateEnvironment(ctx, "qa")
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, "Environment 'qa' already exists", respErr.Message)

	_, err = c.Run(ctx, "rm -rf /", "qa")
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, "Unauthorized command: rm -rf /", respErr.Message)

	require.NoError(t, c.DeleteEnvironment(ctx, "qa"))
	_, err = c.Activate(ctx, "qa")
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, "Environment 'qa' not found", respErr.Message)
}

// TestServer_ConcurrentReadersAndWriters hammers one environment from many
// connections and checks that no reader sees a partially saved environment.
func TestServer_ConcurrentReadersAndWriters(t *testing.T) {
	f := newFixture(t, "[dev]\nA=\"0\"\nB=\"0\"\n", Config{})
	c := client.New(f.addr)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				v := fmt.Sprintf("%d-%d", i, j)
				_, err := c.SaveEnvironment(ctx, "dev", store.Environment{"A": v, "B": v})
				assert.NoError(t, err)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				env, err := c.Activate(ctx, "dev")
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, env["A"], env["B"])
			}
		}()
	}
	wg.Wait()

	onDisk, err := f.vault.File().Load()
	require.NoError(t, err)
	assert.Equal(t, onDisk, f.vault.Store().Snapshot())
}
