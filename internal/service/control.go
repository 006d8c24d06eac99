package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Maphikza/truth-machine/internal/ipc"
	"github.com/Maphikza/truth-machine/internal/logger"
)

// Control commands accepted on the control socket.
const (
	CmdTreasury = "treasury"
	CmdFund     = "fund"
	CmdResolve  = "resolve"
	CmdVerify   = "verify"
	CmdStalled  = "stalled"
	CmdUnstall  = "unstall"
)

// ControlHandler runs CLI commands against the live service so the CLI does
// not open the database while the server holds it.
func (s *Service) ControlHandler() ipc.Handler {
	return func(ctx context.Context, cmd ipc.Command) (interface{}, error) {
		switch cmd.Command {
		case CmdTreasury:
			return s.Treasury.Status(ctx)
		case CmdFund:
			if len(cmd.Args) != 1 {
				return nil, fmt.Errorf("fund takes exactly one argument")
			}
			count, err := strconv.Atoi(cmd.Args[0])
			if err != nil {
				return nil, fmt.Errorf("invalid count %q", cmd.Args[0])
			}
			return s.Treasury.Fund(ctx, count)
		case CmdResolve:
			return s.Tracker.ResolvePending(ctx)
		case CmdVerify:
			if len(cmd.Args) != 1 {
				return nil, fmt.Errorf("verify takes exactly one argument")
			}
			return s.Verifier.Verify(ctx, cmd.Args[0])
		case CmdStalled:
			return s.Store.StalledTxIDs(ctx)
		case CmdUnstall:
			if len(cmd.Args) != 1 {
				return nil, fmt.Errorf("unstall takes exactly one argument")
			}
			if err := s.Store.Unstall(ctx, cmd.Args[0]); err != nil {
				return nil, err
			}
			return map[string]string{"unstalled": cmd.Args[0]}, nil
		default:
			return nil, fmt.Errorf("unknown command %q", cmd.Command)
		}
	}
}

func (s *Service) serveControl(ctx context.Context) error {
	srv, err := ipc.NewServer(s.Settings.ControlSocket)
	if err != nil {
		// The HTTP API still works without the socket.
		logger.Warn("Control socket unavailable", "path", s.Settings.ControlSocket, "error", err)
		return nil
	}
	defer srv.Close()
	logger.Info("Control socket listening", "path", s.Settings.ControlSocket)
	return srv.Serve(ctx, s.ControlHandler())
}
