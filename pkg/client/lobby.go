package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatrelay/pkg/types"

	"github.com/gorilla/websocket"
)

// Assignment is a session the server handed to a waiting counselor.
type Assignment struct {
	SessionID string
	PeerID    string
}

// WaitForAssignment waits in the lobby as the caller identified by opts
// until the server assigns a session. opts.SessionID is ignored. The lobby
// connection is closed before it returns.
func WaitForAssignment(ctx context.Context, opts Options) (Assignment, error) {
	if opts.ServerURL == "" {
		return Assignment{}, ErrMissingServer
	}
	opts = opts.withDefaults()
	endpoint, err := opts.lobbyEndpoint()
	if err != nil {
		return Assignment{}, err
	}

	conn, err := dialRelay(ctx, opts.Dialer, endpoint)
	if err != nil {
		return Assignment{}, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Assignment{}, ctx.Err()
			}
			return Assignment{}, fmt.Errorf("%w: %w", types.ErrConnection, err)
		}
		extend()

		var frame types.SessionStartedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			opts.Logger.Warn().Err(err).Msg("ignoring malformed lobby frame")
			continue
		}
		switch frame.Type {
		case types.FrameSessionStarted:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "assigned"),
				time.Now().Add(opts.WriteTimeout))
			return Assignment{SessionID: frame.SessionID, PeerID: frame.PeerID}, nil
		case types.FrameError:
			var e types.ErrorFrame
			_ = json.Unmarshal(data, &e)
			opts.Logger.Warn().Str("code", e.Code).Str("message", e.Message).Msg("lobby rejected a frame")
		}
	}
}
