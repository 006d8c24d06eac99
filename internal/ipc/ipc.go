package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/Maphikza/truth-machine/internal/logger"
)

const windowsSocketPort = "127.0.0.1:7070"

var commandID atomic.Int64
var osType = runtime.GOOS

func generateCommandID() int {
	return int(commandID.Add(1))
}

func listen(path string) (net.Listener, error) {
	if osType == "windows" {
		return net.Listen("tcp", windowsSocketPort)
	}
	// Remove a stale socket left by a previous run
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket file: %v", err)
		}
	}
	return net.Listen("unix", path)
}

func dial(path string) (net.Conn, error) {
	if osType == "windows" {
		return net.Dial("tcp", windowsSocketPort)
	}
	return net.Dial("unix", path)
}

// NewServer listens on the control socket at path.
func NewServer(path string) (*Server, error) {
	listener, err := listen(path)
	if err != nil {
		return nil, err
	}
	return &Server{listener: listener, path: path}, nil
}

// Serve answers commands with h until ctx is done. Each connection carries
// one command and one response.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			logger.Warn("Control socket accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn, h)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, h Handler) {
	defer conn.Close()

	var cmd Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		logger.Warn("Failed to read control command", "error", err)
		return
	}
	logger.Debug("Control command received", "id", cmd.ID, "command", cmd.Command)

	resp := Response{ID: cmd.ID}
	result, err := h(ctx, cmd)
	if err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = fmt.Sprintf("error marshaling result: %v", err)
		} else {
			resp.Result = data
		}
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		logger.Warn("Failed to write control response", "id", cmd.ID, "error", err)
	}
}

func (s *Server) Close() error {
	err := s.listener.Close()
	if osType != "windows" {
		os.Remove(s.path)
	}
	return err
}

// NewClient connects to a running server. It fails when nothing is listening.
func NewClient(path string) (*Client, error) {
	conn, err := dial(path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// SendCommand sends one command and decodes the result into out.
func (c *Client) SendCommand(command string, args []string, out interface{}) error {
	cmd := Command{
		ID:      generateCommandID(),
		Command: command,
		Args:    args,
	}
	if err := json.NewEncoder(c.conn).Encode(cmd); err != nil {
		return fmt.Errorf("error writing command to connection: %v", err)
	}

	var response Response
	if err := json.NewDecoder(c.conn).Decode(&response); err != nil {
		return fmt.Errorf("error reading response from connection: %v", err)
	}
	if response.Error != "" {
		return errors.New(response.Error)
	}
	if out != nil && len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, out); err != nil {
			return fmt.Errorf("error unmarshaling response: %v", err)
		}
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
