// roleplay-client is a protocol CLI for exercising the live session engine
// without a browser: it streams raw 16-bit LE PCM from a file or stdin as
// audio-chunk events and prints every server event as it arrives.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pitchlab/roleplay/internal/audio"
	"github.com/pitchlab/roleplay/internal/live"
)

type options struct {
	server     string
	scenarioID string
	sessionID  string
	input      string
	sampleRate int
	chunkMS    int
	realtime   bool
	mute       bool
	showVolume bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var opt options
	flag.StringVar(&opt.server, "server", "ws://localhost:8080/ws/roleplay", "Engine websocket URL")
	flag.StringVar(&opt.scenarioID, "scenario", "cold-call-dana", "Scenario to run")
	flag.StringVar(&opt.sessionID, "session", "", "Session ID (default: a fresh UUID; reuse one to reconnect)")
	flag.StringVar(&opt.input, "input", "-", "Raw PCM input: a file path, or - for stdin")
	flag.IntVar(&opt.sampleRate, "sample-rate", 16000, "Input sample rate in Hz (16-bit LE mono)")
	flag.IntVar(&opt.chunkMS, "chunk-ms", 250, "Chunk emission interval in ms")
	flag.BoolVar(&opt.realtime, "realtime", true, "Pace file input at the sample rate instead of draining it")
	flag.BoolVar(&opt.mute, "mute", false, "Start muted (meter keeps running, no chunks sent)")
	flag.BoolVar(&opt.showVolume, "show-volume", false, "Print the input level on every tick")
	flag.Parse()

	if opt.sessionID == "" {
		opt.sessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := openSource(opt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open input: %v\n", err)
		return 1
	}

	conn, _, err := websocket.Dial(ctx, opt.server, &websocket.DialOptions{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", opt.server, err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	fmt.Printf("session %s scenario %s\n", opt.sessionID, opt.scenarioID)

	if err := send(ctx, conn, live.ClientEvent{
		Type:       live.EventStartSession,
		SessionID:  opt.sessionID,
		ScenarioID: opt.scenarioID,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "start-session: %v\n", err)
		return 1
	}

	captureOpts := audio.CaptureOptions{
		Interval: time.Duration(opt.chunkMS) * time.Millisecond,
	}
	if opt.showVolume {
		captureOpts.OnVolume = func(level float64) {
			fmt.Printf("\rlevel %.3f  ", level)
		}
	}
	capt, err := audio.StartCapture(src, captureOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start capture: %v\n", err)
		return 1
	}
	capt.SetMuted(opt.mute)

	// Reader goroutine: print server events until the session reaches a
	// terminal state or the connection drops.
	done := make(chan int, 1)
	go func() {
		done <- readEvents(ctx, conn)
	}()

	sendChunks(ctx, conn, capt, opt.sessionID)

	// Input drained (or interrupted): ask for a graceful end, then wait for
	// session-ended before leaving.
	if err := send(context.Background(), conn, live.ClientEvent{
		Type:      live.EventEndSession,
		SessionID: opt.sessionID,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "end-session: %v\n", err)
	}

	select {
	case code := <-done:
		return code
	case <-time.After(15 * time.Second):
		fmt.Fprintln(os.Stderr, "timed out waiting for session end")
		return 1
	}
}

func openSource(opt options) (audio.Source, error) {
	var src io.ReadCloser
	if opt.input == "-" {
		src = os.Stdin
	} else {
		f, err := os.Open(opt.input)
		if err != nil {
			return nil, err
		}
		src = f
	}
	if opt.realtime && opt.input != "-" {
		// 16-bit mono: 2 bytes per sample.
		src = newPacedReader(src, opt.sampleRate*2)
	}
	return src, nil
}

func sendChunks(ctx context.Context, conn *websocket.Conn, capt *audio.Capture, sessionID string) {
	defer capt.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-capt.Chunks():
			if !ok {
				if err := capt.Err(); err != nil {
					fmt.Fprintf(os.Stderr, "capture: %v\n", err)
				}
				return
			}
			ev := live.ClientEvent{
				Type:      live.EventAudioChunk,
				SessionID: sessionID,
				AudioData: base64.StdEncoding.EncodeToString(chunk.Data),
				Timestamp: chunk.Timestamp.UnixMilli(),
			}
			if err := send(ctx, conn, ev); err != nil {
				fmt.Fprintf(os.Stderr, "audio-chunk: %v\n", err)
				return
			}
		}
	}
}

func readEvents(ctx context.Context, conn *websocket.Conn) int {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return 0
			}
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			return 1
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			fmt.Fprintf(os.Stderr, "bad frame: %v\n", err)
			continue
		}
		printEvent(envelope.Type, data)

		switch envelope.Type {
		case live.EventSessionEnded:
			return 0
		case live.EventSessionForceEnded:
			return 1
		}
	}
}

func printEvent(eventType string, data []byte) {
	switch eventType {
	case live.EventAudioReceived:
		// Per-chunk acks are noise at the terminal.
		return
	case live.EventTranscription:
		var ev live.TranscriptionEvent
		if json.Unmarshal(data, &ev) == nil {
			fmt.Printf("you:    %s\n", ev.Text)
			return
		}
	case live.EventAIResponse:
		var ev live.AIResponseEvent
		if json.Unmarshal(data, &ev) == nil {
			fmt.Printf("buyer:  %s  (turn %d)\n", ev.Text, ev.TurnCount)
			return
		}
	case live.EventSessionEnding:
		var ev live.SessionEndingEvent
		if json.Unmarshal(data, &ev) == nil {
			fmt.Printf("-- session ending soon: %s --\n", ev.Reason)
			return
		}
	case live.EventSessionEnded:
		var ev live.SessionEndedEvent
		if json.Unmarshal(data, &ev) == nil {
			fmt.Printf("-- session ended: %s after %d turns (%.1fs) --\n", ev.Reason, ev.TotalTurns, ev.Duration)
			return
		}
	case live.EventSessionForceEnded:
		var ev live.SessionForceEndedEvent
		if json.Unmarshal(data, &ev) == nil {
			fmt.Printf("-- session force-ended: %s --\n", ev.Reason)
			return
		}
	case live.EventError:
		var ev live.ErrorEvent
		if json.Unmarshal(data, &ev) == nil {
			fmt.Fprintf(os.Stderr, "error [%s]: %s\n", ev.ErrorType, ev.Message)
			return
		}
	}
	fmt.Printf("%s: %s\n", eventType, strings.TrimSpace(string(data)))
}

func send(ctx context.Context, conn *websocket.Conn, ev live.ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(sendCtx, websocket.MessageText, data)
}

// pacedReader throttles a byte stream to a fixed rate so a prerecorded file
// hits the engine at the cadence a live microphone would.
type pacedReader struct {
	src          io.ReadCloser
	bytesPerSec  int
	start        time.Time
	consumed     int64
	closed       chan struct{}
	closeGuarded bool
}

func newPacedReader(src io.ReadCloser, bytesPerSec int) *pacedReader {
	return &pacedReader{
		src:         src,
		bytesPerSec: bytesPerSec,
		closed:      make(chan struct{}),
	}
}

func (p *pacedReader) Read(buf []byte) (int, error) {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	// How far ahead of realtime are we?
	elapsed := time.Since(p.start)
	budget := int64(elapsed.Seconds() * float64(p.bytesPerSec))
	if p.consumed >= budget {
		wait := time.Duration(float64(p.consumed-budget) / float64(p.bytesPerSec) * float64(time.Second))
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-p.closed:
			return 0, io.EOF
		}
	}

	// Cap each read to ~100ms of audio to keep pacing smooth.
	limit := p.bytesPerSec / 10
	if limit > 0 && len(buf) > limit {
		buf = buf[:limit]
	}
	n, err := p.src.Read(buf)
	p.consumed += int64(n)
	return n, err
}

func (p *pacedReader) Close() error {
	if !p.closeGuarded {
		p.closeGuarded = true
		close(p.closed)
	}
	return p.src.Close()
}
