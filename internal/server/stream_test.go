package server_test

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/batchscribe/internal/segment"
	"github.com/MrWong99/batchscribe/internal/server"
	"github.com/MrWong99/batchscribe/pkg/audio"
	"github.com/MrWong99/batchscribe/pkg/provider/vad"
	"github.com/MrWong99/batchscribe/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/batchscribe/pkg/provider/vad/mock"
)

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendPCM(t *testing.T, ctx context.Context, conn *websocket.Conn, pcm []byte, chunk int) {
	t.Helper()
	for len(pcm) > 0 {
		n := min(chunk, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[:n]); err != nil {
			t.Fatalf("Write: %v", err)
		}
		pcm = pcm[n:]
	}
}

// readUntilClose collects messages until the server closes the connection and
// returns them with the close status.
func readUntilClose(t *testing.T, ctx context.Context, conn *websocket.Conn) ([]server.StreamMessage, websocket.StatusCode) {
	t.Helper()
	var msgs []server.StreamMessage
	for {
		var m server.StreamMessage
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			return msgs, websocket.CloseStatus(err)
		}
		msgs = append(msgs, m)
	}
}

func TestStream_PCM(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t, (&counter{}).infer, energy.New())
	conn := dial(t, ctx, f.srv.URL+"/ws")

	sendPCM(t, ctx, conn, slices.Concat(tone(3000), silence(1000)), 3200)
	sendPCM(t, ctx, conn, tone(1000), 3200)
	if err := wsjson.Write(ctx, conn, server.ControlMessage{Type: "eos"}); err != nil {
		t.Fatalf("write eos: %v", err)
	}

	msgs, status := readUntilClose(t, ctx, conn)
	if status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", status)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Text != "chunk0" || msgs[1].Text != "chunk1" {
		t.Errorf("texts = %q, %q; want submission order", msgs[0].Text, msgs[1].Text)
	}
	if msgs[0].Start != 0 || msgs[1].Start != msgs[0].End {
		t.Errorf("offsets = %+v, want contiguous from 0", msgs)
	}
	for _, m := range msgs {
		if m.Error != "" {
			t.Errorf("unexpected error message %q", m.Error)
		}
	}
	waitEmpty(t, f.tempDir)
}

func TestStream_Opus(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t, (&counter{}).infer, energy.New())
	conn := dial(t, ctx, f.srv.URL+"/ws?codec=opus")

	enc, err := audio.NewOpusEncoder()
	if err != nil {
		t.Fatal(err)
	}
	pcm := tone(2000)
	for off := 0; off+enc.FrameBytes() <= len(pcm); off += enc.FrameBytes() {
		packet, err := enc.Encode(pcm[off : off+enc.FrameBytes()])
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if err := conn.Write(ctx, websocket.MessageBinary, packet); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := wsjson.Write(ctx, conn, server.ControlMessage{Type: "eos"}); err != nil {
		t.Fatal(err)
	}

	msgs, status := readUntilClose(t, ctx, conn)
	if status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", status)
	}
	if len(msgs) != 1 || msgs[0].Text != "chunk0" {
		t.Fatalf("messages = %+v, want one chunk0", msgs)
	}
	if d := msgs[0].End - msgs[0].Start; d < 1.9 || d > 2.0 {
		t.Errorf("segment lasts %vs, want about 2s", d)
	}
}

func TestStream_FailedBatchReportsError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t, (&counter{err: errors.New("model crashed")}).infer, energy.New())
	conn := dial(t, ctx, f.srv.URL+"/ws")

	sendPCM(t, ctx, conn, tone(1000), 6400)
	if err := wsjson.Write(ctx, conn, server.ControlMessage{Type: "eos"}); err != nil {
		t.Fatal(err)
	}
	msgs, _ := readUntilClose(t, ctx, conn)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "" || !strings.Contains(msgs[0].Error, "model crashed") {
		t.Errorf("message = %+v, want the inference error", msgs[0])
	}
}

func TestStream_UnknownControlMessage(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t, (&counter{}).infer, energy.New())
	conn := dial(t, ctx, f.srv.URL+"/ws")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pause"}`)); err != nil {
		t.Fatal(err)
	}
	var m server.StreamMessage
	if err := wsjson.Read(ctx, conn, &m); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.Contains(m.Error, "unsupported control message") {
		t.Errorf("error = %q, want unsupported control message", m.Error)
	}

	// The stream stays usable.
	if err := wsjson.Write(ctx, conn, server.ControlMessage{Type: "eos"}); err != nil {
		t.Fatal(err)
	}
	msgs, status := readUntilClose(t, ctx, conn)
	if status != websocket.StatusNormalClosure || len(msgs) != 0 {
		t.Errorf("after eos: %d messages, status %v", len(msgs), status)
	}
}

func TestStream_ClientCloseDiscardsTail(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := &counter{}
	f := newFixture(t, c.infer, energy.New())
	conn := dial(t, ctx, f.srv.URL+"/ws")

	// Speech without trailing silence stays in the segmenter.
	sendPCM(t, ctx, conn, tone(1000), 6400)
	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Logf("Close: %v", err)
	}

	waitEmpty(t, f.tempDir)
	if n := c.calls(); n != 0 {
		t.Errorf("inference ran %d times for a discarded tail", n)
	}
}

func TestStream_RejectsBeforeUpgrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		noVAD  bool
		query  string
		status int
	}{
		{name: "unknown codec", query: "?codec=mp3", status: http.StatusBadRequest},
		{name: "no detector", noVAD: true, status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := energy.New()
			var f *fixture
			if tt.noVAD {
				f = newFixture(t, (&counter{}).infer, nil)
			} else {
				f = newFixture(t, (&counter{}).infer, engine)
			}
			_, resp, err := websocket.Dial(ctx, f.srv.URL+"/ws"+tt.query, nil)
			if err == nil {
				t.Fatal("Dial succeeded")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("response = %v, want status %d", resp, tt.status)
			}
		})
	}
}

func TestStream_SessionSetup(t *testing.T) {
	t.Parallel()

	t.Run("session error", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		f := newFixture(t, (&counter{}).infer, &vadmock.Engine{Err: errors.New("model missing")})
		_, resp, err := websocket.Dial(ctx, f.srv.URL+"/ws", nil)
		if err == nil || resp == nil || resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("Dial = %v, %v; want 500", resp, err)
		}
	})

	// Loud audio, but the classifier says silence throughout. The tail flushed
	// at eos never triggered, so it is only submitted when unvoiced segments
	// are kept.
	for _, tt := range []struct {
		name         string
		skipUnvoiced bool
		wantResults  int
	}{
		{"unvoiced kept", false, 1},
		{"unvoiced skipped", true, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			sess := &vadmock.Session{Default: 0.1}
			eng := &vadmock.Engine{Session: sess}
			c := &counter{}
			settings := server.Settings{Streamer: segment.StreamerConfig{SkipUnvoiced: tt.skipUnvoiced}}
			f := newFixture(t, c.infer, eng, server.WithSettings(func() server.Settings { return settings }))
			conn := dial(t, ctx, f.srv.URL+"/ws")

			sendPCM(t, ctx, conn, tone(1000), 3200)
			if err := wsjson.Write(ctx, conn, server.ControlMessage{Type: "eos"}); err != nil {
				t.Fatal(err)
			}
			msgs, status := readUntilClose(t, ctx, conn)
			if status != websocket.StatusNormalClosure {
				t.Errorf("close status = %v, want normal closure", status)
			}
			if len(msgs) != tt.wantResults || c.calls() != tt.wantResults {
				t.Errorf("got %d messages and %d inference calls, want %d", len(msgs), c.calls(), tt.wantResults)
			}
			for _, m := range msgs {
				if m.Error != "" {
					t.Errorf("unexpected error frame %q", m.Error)
				}
			}
			if want := 16000 / 512; sess.Calls() < want {
				t.Errorf("classifier saw %d frames, want at least %d", sess.Calls(), want)
			}
			cfgs := eng.Configs()
			if len(cfgs) != 1 || cfgs[0] != (vad.Config{SampleRate: 16000, FrameSamples: 512}) {
				t.Errorf("session configs = %+v", cfgs)
			}
		})
	}
}
