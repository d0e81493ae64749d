package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/ASHISH26940/vaultd/internal/protocol"
	"github.com/ASHISH26940/vaultd/internal/vault"
	"go.uber.org/zap"
)

// Handle dispatches one decoded request. Only the save, create and delete
// commands change state; everything else reads the store.
func (s *Server) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Command {
	case protocol.CmdListEnvironments:
		return s.handleList()
	case protocol.CmdSaveEnvironment:
		return s.handleSave(ctx, req)
	case protocol.CmdCreateEnvironment:
		return s.handleCreate(ctx, req)
	case protocol.CmdDeleteEnvironment:
		return s.handleDelete(ctx, req)
	}

	name := req.EnvironmentOrDefault()
	env, ok := s.envs.Get(name)
	if !ok {
		return s.notFound(name)
	}

	// Shell activation hands out the whole environment without consulting
	// the policy.
	if req.Command == protocol.CmdShellActivation {
		return protocol.Response{Success: true, EnvVars: protocol.Pairs(env)}
	}

	if !s.policy.Allowed(req.Command) {
		s.logger.Warn("unauthorized command",
			zap.String("client_id", req.ClientID),
			zap.String("command", req.Command))
		return protocol.Response{Message: "Unauthorized command: " + req.Command}
	}

	return protocol.Response{Success: true, EnvVars: protocol.Pairs(env)}
}

// Handles list-environments.
func (s *Server) handleList() protocol.Response {
	return protocol.Response{Success: true, Environments: s.envs.Names()}
}

// Handles save-environment. The named environment is replaced wholesale.
func (s *Server) handleSave(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Variables == nil {
		return protocol.Response{Message: "no variables provided"}
	}

	name := req.EnvironmentOrDefault()
	err := s.committer.Commit(ctx, vault.Mutation{
		Op:        vault.OpSave,
		Name:      name,
		Variables: req.Variables,
	})
	if err != nil {
		return protocol.Response{
			Message: fmt.Sprintf("Failed to save environment '%s': %v", name, err),
		}
	}

	return protocol.Response{Success: true, Environments: s.envs.Names()}
}

// Handles create-environment, which adds an empty environment.
func (s *Server) handleCreate(ctx context.Context, req protocol.Request) protocol.Response {
	name := req.EnvironmentOrDefault()
	if _, ok := s.envs.Get(name); ok {
		return s.alreadyExists(name)
	}

	err := s.committer.Commit(ctx, vault.Mutation{Op: vault.OpCreate, Name: name})
	switch {
	case errors.Is(err, vault.ErrEnvironmentExists):
		return s.alreadyExists(name)
	case err != nil:
		return protocol.Response{
			Message: fmt.Sprintf("Failed to create environment '%s': %v", name, err),
		}
	}

	return protocol.Response{
		Success:      true,
		Message:      fmt.Sprintf("Environment '%s' created", name),
		Environments: s.envs.Names(),
	}
}

// Handles delete-environment.
func (s *Server) handleDelete(ctx context.Context, req protocol.Request) protocol.Response {
	name := req.EnvironmentOrDefault()
	if _, ok := s.envs.Get(name); !ok {
		return s.notFound(name)
	}

	err := s.committer.Commit(ctx, vault.Mutation{Op: vault.OpDelete, Name: name})
	switch {
	case errors.Is(err, vault.ErrEnvironmentNotFound):
		return s.notFound(name)
	case err != nil:
		return protocol.Response{
			Message: fmt.Sprintf("Failed to delete environment '%s': %v", name, err),
		}
	}

	return protocol.Response{
		Success:      true,
		Message:      fmt.Sprintf("Environment '%s' deleted", name),
		Environments: s.envs.Names(),
	}
}

// The current names are included so clients can correct themselves.
func (s *Server) notFound(name string) protocol.Response {
	return protocol.Response{
		Message:      fmt.Sprintf("Environment '%s' not found", name),
		Environments: s.envs.Names(),
	}
}

func (s *Server) alreadyExists(name string) protocol.Response {
	return protocol.Response{
		Message:      fmt.Sprintf("Environment '%s' already exists", name),
		Environments: s.envs.Names(),
	}
}

func invalidRequest() protocol.Response {
	return protocol.Response{Message: "Invalid request format"}
}
