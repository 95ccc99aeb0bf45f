package tools

import (
	"context"
	"errors"
	"fmt"
)

// ConnectionError marks a failure reaching an external tool server, as
// opposed to the tool itself reporting an application-level error. The
// proxy wrapper turns this into a structured result rather than letting
// it propagate as a Go error the caller has to special-case.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to external tool server %q failed: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProxyResult is what an external tool call returns to the agent loop
// when the underlying server connection fails: a tool-role message body
// carrying an instruction to stop calling that server's tools and
// terminate the flow (spec §4.7's external-proxy paragraph), rather than
// a raw transport error.
type ProxyResult struct {
	IsError     bool
	Content     string
	ServerDown  string // non-empty names the server whose session failed
}

// WrapExternal adapts a session-borrowing external tool call into the
// registry's Func contract: on success it passes the result through
// unchanged; on a *ConnectionError it surfaces a structured advisory
// instead of propagating the transport failure.
func WrapExternal(serverName string, call func(ctx context.Context, params map[string]any) (any, error)) Func {
	return func(ctx context.Context, params map[string]any) (any, error) {
		result, err := call(ctx, params)
		if err == nil {
			return result, nil
		}

		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			return nil, err
		}

		return ProxyResult{
			IsError:    true,
			ServerDown: serverName,
			Content: fmt.Sprintf(
				"Connection to tool server %q is unavailable: %v. Stop calling tools from this server and terminate the flow.",
				serverName, connErr.Err,
			),
		}, nil
	}
}
