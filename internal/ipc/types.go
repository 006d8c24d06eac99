package ipc

import (
	"context"
	"encoding/json"
	"net"
	"sync"
)

type Command struct {
	ID      int      `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type Response struct {
	ID     int             `json:"id"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Handler executes one command on behalf of a client.
type Handler func(ctx context.Context, cmd Command) (interface{}, error)

type Server struct {
	listener net.Listener
	path     string
	wg       sync.WaitGroup
}

type Client struct {
	conn net.Conn
}
