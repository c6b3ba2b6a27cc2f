// Command voxclient is a device simulator: it authenticates, opens the voice
// websocket and plays a PCM16LE 16 kHz mono recording into one utterance.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/internal/api"
	ws "github.com/satriahrh/voxloop/internal/websocket"
)

const (
	wavHeaderSize  = 44
	bytesPerSecond = 16000 * 2
)

type options struct {
	server    string
	serial    string
	secret    string
	audioPath string
	outPath   string
	frame     int
	timeout   time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "voxloop server base URL")
	flag.StringVar(&opts.serial, "serial", "VOX001", "device serial number")
	flag.StringVar(&opts.secret, "secret", os.Getenv("VOXCLIENT_SECRET"), "device secret key")
	flag.StringVar(&opts.audioPath, "audio", "sample_audio.wav", "PCM16LE 16 kHz mono recording (.wav or raw)")
	flag.StringVar(&opts.outPath, "out", "", "write the synthesized reply to this raw PCM file")
	flag.IntVar(&opts.frame, "frame", 3200, "bytes per binary audio frame")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for the report")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Fatal("voxclient failed", zap.Error(err))
	}
}

func run(ctx context.Context, opts options, logger *zap.Logger) error {
	audio, err := os.ReadFile(opts.audioPath)
	if err != nil {
		return fmt.Errorf("failed to read audio file: %w", err)
	}
	if strings.HasSuffix(opts.audioPath, ".wav") && len(audio) > wavHeaderSize {
		audio = audio[wavHeaderSize:]
	}

	auth, err := authenticateDevice(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to authenticate device: %w", err)
	}
	logger.Info("Authenticated device", zap.String("device_id", auth.DeviceID))

	u, err := url.Parse(opts.server)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"

	headers := http.Header{}
	headers.Add("Authorization", "Bearer "+auth.Token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s := &session{
		conn:         conn,
		logger:       logger,
		captureStart: make(chan struct{}, 1),
		report:       make(chan *ws.ReportMessage, 1),
		failed:       make(chan *ws.ErrorMessage, 1),
	}
	go s.readLoop()

	if err := s.send(ws.ControlMessage{BaseMessage: base(ws.MessageTypeListeningStart)}); err != nil {
		return err
	}

	select {
	case <-s.captureStart:
	case e := <-s.failed:
		return fmt.Errorf("listening_start rejected: %s (%s)", e.Code, e.Message)
	case <-time.After(opts.timeout):
		return errors.New("timed out waiting for capture_start")
	case <-ctx.Done():
		return ctx.Err()
	}

	frameDuration := time.Duration(opts.frame) * time.Second / bytesPerSecond
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	logger.Info("Streaming audio", zap.Int("bytes", len(audio)), zap.Duration("frame", frameDuration))
	for off := 0; off < len(audio); off += opts.frame {
		end := min(off+opts.frame, len(audio))
		if err := s.write(websocket.BinaryMessage, audio[off:end]); err != nil {
			return fmt.Errorf("failed to send audio frame: %w", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.send(ws.ControlMessage{BaseMessage: base(ws.MessageTypeListeningEnd)}); err != nil {
		return err
	}

	select {
	case r := <-s.report:
		logger.Info("Utterance finished",
			zap.String("outcome", string(r.Outcome)),
			zap.String("transcript", r.Transcript),
			zap.String("reply", r.Reply),
			zap.Duration("total", r.Latency.Total),
			zap.String("error", r.Error))
	case e := <-s.failed:
		return fmt.Errorf("server error: %s (%s)", e.Code, e.Message)
	case <-time.After(opts.timeout):
		return errors.New("timed out waiting for report")
	case <-ctx.Done():
	}

	if opts.outPath != "" {
		if err := os.WriteFile(opts.outPath, s.playback(), 0o644); err != nil {
			return fmt.Errorf("failed to write playback: %w", err)
		}
		logger.Info("Saved reply audio", zap.String("path", opts.outPath))
	}

	return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func authenticateDevice(ctx context.Context, opts options) (*api.DeviceAuthResponse, error) {
	jsonData, err := json.Marshal(api.DeviceAuthRequest{SerialNumber: opts.serial, SecretKey: opts.secret})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.server+"/api/v1/device/auth", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authentication failed: %s", string(body))
	}

	var authResp api.DeviceAuthResponse
	if err := json.Unmarshal(body, &authResp); err != nil {
		return nil, err
	}
	return &authResp, nil
}

func base(t ws.MessageType) ws.BaseMessage {
	return ws.BaseMessage{Type: t, Timestamp: time.Now().Format(time.RFC3339)}
}

type session struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu    sync.Mutex
	audio bytes.Buffer

	captureStart chan struct{}
	report       chan *ws.ReportMessage
	failed       chan *ws.ErrorMessage
}

func (s *session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *session) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *session) playback() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.audio.Bytes())
}

func (s *session) readLoop() {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Debug("Read loop ended", zap.Error(err))
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			s.mu.Lock()
			s.audio.Write(data)
			s.mu.Unlock()
			continue
		}

		if err := s.handle(data); err != nil {
			s.logger.Warn("Failed to handle message", zap.Error(err))
		}
	}
}

func (s *session) handle(data []byte) error {
	var msg ws.BaseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	switch msg.Type {
	case ws.MessageTypePermissionRequest:
		s.logger.Info("Granting microphone permission")
		return s.send(ws.MicPermissionMessage{BaseMessage: base(ws.MessageTypeMicPermission), Granted: true})
	case ws.MessageTypeCaptureStart:
		select {
		case s.captureStart <- struct{}{}:
		default:
		}
	case ws.MessageTypePlaybackEnd:
		var pb ws.PlaybackMessage
		if err := json.Unmarshal(data, &pb); err != nil {
			return err
		}
		// Frames arrive before playback_end, so the reply is fully buffered here.
		return s.send(ws.PlaybackDoneMessage{BaseMessage: base(ws.MessageTypePlaybackDone), PlaybackID: pb.PlaybackID})
	case ws.MessageTypeEvent:
		var ev ws.EventMessage
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		s.logger.Info("Pipeline event",
			zap.String("kind", ev.Kind),
			zap.String("stage", ev.Stage),
			zap.String("text", ev.Text))
	case ws.MessageTypeLevel:
		var lv ws.LevelMessage
		if err := json.Unmarshal(data, &lv); err != nil {
			return err
		}
		s.logger.Debug("Capture level", zap.Float64("level", lv.Level))
	case ws.MessageTypeReport:
		var r ws.ReportMessage
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		select {
		case s.report <- &r:
		default:
		}
	case ws.MessageTypeError:
		var e ws.ErrorMessage
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		select {
		case s.failed <- &e:
		default:
		}
	default:
		s.logger.Debug("Message", zap.String("type", string(msg.Type)))
	}
	return nil
}
