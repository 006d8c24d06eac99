package ipc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServeRoundTrip(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "tm.sock")

	srv, err := NewServer(path)
	require.NoError(err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, func(ctx context.Context, cmd Command) (interface{}, error) {
			switch cmd.Command {
			case "echo":
				return map[string]interface{}{"args": cmd.Args}, nil
			default:
				return nil, errors.New("unknown command")
			}
		})
	}()

	client, err := NewClient(path)
	require.NoError(err)
	var out struct {
		Args []string `json:"args"`
	}
	require.NoError(client.SendCommand("echo", []string{"a", "b"}, &out))
	require.Equal([]string{"a", "b"}, out.Args)
	client.Close()

	client, err = NewClient(path)
	require.NoError(err)
	err = client.SendCommand("nope", nil, nil)
	require.EqualError(err, "unknown command")
	client.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewClientWithoutServer(t *testing.T) {
	_, err := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	require.Error(t, err)
}
