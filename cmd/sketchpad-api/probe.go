package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/discovery"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/logging"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/protocol"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/replica"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultProbeURL      = "ws://127.0.0.1:3000/ws"
	defaultProbeDuration = 5 * time.Second
	browseTimeout        = 2 * time.Second
)

type probeOptions struct {
	url      string
	room     string
	username string
	duration time.Duration
	discover bool
	draw     bool
}

func newProbeCommand() *cobra.Command {
	options := probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Join a room, mirror its canvas, and report the converged state",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(viper.GetString("log.level"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runProbe(cmd.Context(), options, logger)
		},
	}
	cmd.Flags().StringVar(&options.url, "url", defaultProbeURL, "Websocket endpoint to connect to")
	cmd.Flags().StringVar(&options.room, "room", "lobby", "Room to join")
	cmd.Flags().StringVar(&options.username, "username", "probe", "Display name")
	cmd.Flags().DurationVar(&options.duration, "duration", defaultProbeDuration, "How long to mirror the room")
	cmd.Flags().BoolVar(&options.discover, "discover", false, "Locate the server over mDNS instead of --url")
	cmd.Flags().BoolVar(&options.draw, "draw", false, "Draw a short stroke after joining")
	return cmd
}

func runProbe(ctx context.Context, options probeOptions, logger *zap.Logger) error {
	endpoint := options.url
	if options.discover {
		endpoints, err := discovery.Browse(browseTimeout)
		if err != nil {
			return err
		}
		if len(endpoints) == 0 {
			return errors.New("no sketchpad servers found on the local network")
		}
		endpoint = endpoints[0]
		logger.Info("discovered server", zap.String("endpoint", endpoint))
	}

	ctx, cancel := context.WithTimeout(ctx, options.duration)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()

	mirror := replica.New()
	if err := writeEvent(conn, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: options.room, Username: options.username}); err != nil {
		return err
	}

	drawn := !options.draw
	for {
		select {
		case <-ctx.Done():
			reportMirror(logger, mirror)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case err := <-readErr:
			reportMirror(logger, mirror)
			return fmt.Errorf("connection closed: %w", err)
		case raw := <-frames:
			envelope, err := protocol.DecodeEnvelope(raw)
			if err != nil {
				logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			switch err := mirror.Apply(envelope); {
			case err == nil:
			case errors.Is(err, replica.ErrDesync):
				logger.Info("mirror diverged; requesting full state", zap.Error(err))
				if err := writeEvent(conn, protocol.EventRequestFullState, protocol.RequestFullState{}); err != nil {
					return err
				}
			case errors.Is(err, replica.ErrRejected):
				logger.Warn("server rejected a frame", zap.Error(err))
			default:
				logger.Debug("ignoring frame", zap.String("event", string(envelope.Event)), zap.Error(err))
			}

			if !drawn && envelope.Event == protocol.EventSession {
				drawn = true
				if err := drawStroke(conn, mirror); err != nil {
					return err
				}
			}
		}
	}
}

// drawStroke sends a short diagonal brush stroke, mirroring it locally first.
func drawStroke(conn *websocket.Conn, mirror *replica.Replica) error {
	start := protocol.DrawStart{
		Type:      string(canvas.OperationTypeBrush),
		Color:     "#1E88E5",
		LineWidth: 3,
		Points:    []canvas.Point{{X: 10, Y: 10}},
		Timestamp: time.Now().UnixMilli(),
	}
	if err := mirror.BeginStroke(start); err != nil {
		return err
	}
	if err := writeEvent(conn, protocol.EventDrawStart, start); err != nil {
		return err
	}
	for step := 1; step <= 4; step++ {
		point := canvas.Point{X: 10 + float64(step)*10, Y: 10 + float64(step)*10}
		if err := mirror.AppendLocal(point); err != nil {
			return err
		}
		if err := writeEvent(conn, protocol.EventDrawPoint, protocol.DrawPoint{Point: &point}); err != nil {
			return err
		}
	}
	if err := mirror.EndLocal(); err != nil {
		return err
	}
	return writeEvent(conn, protocol.EventDrawEnd, protocol.DrawEnd{})
}

func writeEvent(conn *websocket.Conn, event protocol.Event, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame.Bytes)
}

func reportMirror(logger *zap.Logger, mirror *replica.Replica) {
	users := make([]string, 0)
	for _, user := range mirror.Users() {
		users = append(users, user.Username)
	}
	logger.Info("probe finished",
		zap.String("user_id", mirror.UserID().String()),
		zap.String("room_id", mirror.RoomID().String()),
		zap.Int("operations", len(mirror.Operations())),
		zap.Int("rendered", len(mirror.Rendered())),
		zap.Strings("users", users))
}
