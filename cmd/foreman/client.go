package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"foreman/pkg/server"
)

const callTimeout = 30 * time.Second

// call sends one command to the daemon socket and decodes the result into
// out (which may be nil for commands without a result).
func call(socketPath, command string, params, out any) error {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s (is the daemon running?): %w", socketPath, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(callTimeout))

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(server.Request{Command: command, Params: raw}); err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}

	var resp server.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("read %s response: %w", command, err)
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", command, resp.Error)
	}
	if out != nil {
		data, err := json.Marshal(resp.Result)
		if err != nil {
			return fmt.Errorf("remarshal result: %w", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s result: %w", command, err)
		}
	}
	return nil
}
