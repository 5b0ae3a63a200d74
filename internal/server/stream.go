package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/batchscribe/internal/batch"
	"github.com/MrWong99/batchscribe/internal/observe"
	"github.com/MrWong99/batchscribe/internal/segment"
	"github.com/MrWong99/batchscribe/pkg/audio"
	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

// streamReadLimit bounds a single WebSocket message.
const streamReadLimit = 1 << 20

// Stream codecs accepted in the codec query parameter.
const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

// StreamMessage is a frame sent to the client. Exactly one of Text or Error is
// meaningful. Start and End are seconds from the start of the stream.
type StreamMessage struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Error string  `json:"error,omitempty"`
}

// ControlMessage is a text frame sent by the client. Type "eos" ends the
// audio: the tail is flushed, outstanding results are delivered and the
// server closes the connection normally.
type ControlMessage struct {
	Type string `json:"type"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming requires a voice activity detector")
		return
	}

	var dec *audio.OpusDecoder
	switch codec := r.URL.Query().Get("codec"); codec {
	case "", CodecPCM:
	case CodecOpus:
		d, err := audio.NewOpusDecoder()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		dec = d
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown codec %q", codec))
		return
	}

	sess, err := s.engine.NewSession(vad.Config{SampleRate: segment.SampleRate, FrameSamples: segment.FrameSamples})
	if err != nil {
		observe.Logger(r.Context()).Error("server: create vad session", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start voice detection")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		sess.Close()
		observe.Logger(r.Context()).Debug("server: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(streamReadLimit)

	cfg := s.settings().Streamer
	cfg.Materializer = segment.TempWAV{Dir: s.tempDir}
	ctx := r.Context()
	cfg.OnFlush = func(seg segment.Segment) {
		s.metrics.RecordSegment(ctx, "stream", string(seg.Reason))
	}

	st := &stream{
		srv:      s,
		conn:     conn,
		streamer: segment.NewStreamer(sess, cfg),
		opus:     dec,
		done:     make(map[uuid.UUID]batch.Result),
		more:     make(chan struct{}, 1),
		log:      observe.Logger(ctx),
	}

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer func() {
		bg := context.WithoutCancel(ctx)
		s.metrics.ActiveStreams.Add(bg, -1)
		if n := st.streamer.ClassifierErrors(); n > 0 {
			s.metrics.ClassifierErrors.Add(bg, int64(n))
		}
	}()

	st.log.Info("server: stream opened", "codec", r.URL.Query().Get("codec"))
	if err := st.run(ctx); err != nil {
		st.log.Info("server: stream ended", "err", err)
		return
	}
	st.log.Info("server: stream finished")
	conn.Close(websocket.StatusNormalClosure, "")
}

// pending is a submitted segment awaiting its result.
type pending struct {
	id  uuid.UUID
	seg segment.Segment
}

// stream is one WebSocket session. The reader goroutine feeds the segmenter
// and submits segments; the delivery goroutine drains results in submission
// order.
type stream struct {
	srv      *Server
	conn     *websocket.Conn
	streamer *segment.Streamer
	opus     *audio.OpusDecoder
	log      *slog.Logger

	mu     sync.Mutex
	order  []pending
	done   map[uuid.UUID]batch.Result
	ended  bool
	closed bool
	more   chan struct{}
}

func (st *stream) run(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)
	g.Go(func() error { return st.deliver(ctx) })
	g.Go(func() error {
		err := st.read(ctx)
		st.finishInput()
		return err
	})
	err := g.Wait()
	st.abandon()
	return err
}

// read consumes client messages until end of stream or an error.
func (st *stream) read(ctx context.Context) error {
	for {
		typ, data, err := st.conn.Read(ctx)
		if err != nil {
			st.discardTail()
			if websocket.CloseStatus(err) != -1 {
				return fmt.Errorf("client closed the connection: %w", err)
			}
			return err
		}

		if typ == websocket.MessageText {
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "eos" {
				st.sendError(ctx, fmt.Sprintf("unsupported control message %q", data))
				continue
			}
			return st.flushTail(ctx)
		}

		pcm := data
		if st.opus != nil {
			if pcm, err = st.opus.Decode(data); err != nil {
				st.sendError(ctx, err.Error())
				continue
			}
		}
		segs, err := st.streamer.Feed(pcm)
		if serr := st.submit(ctx, segs); serr != nil {
			return serr
		}
		if err != nil {
			st.sendError(ctx, "segmentation failed")
			st.discardTail()
			return err
		}
	}
}

// flushTail closes the segmenter and submits whatever it still held.
func (st *stream) flushTail(ctx context.Context) error {
	segs, err := st.streamer.Close()
	if serr := st.submit(ctx, segs); serr != nil {
		return serr
	}
	return err
}

// discardTail closes the segmenter and removes its last segment unsent.
func (st *stream) discardTail() {
	segs, err := st.streamer.Close()
	segment.RemoveAll(segs)
	if err != nil {
		st.log.Debug("server: close segmenter", "err", err)
	}
}

// submit hands segments to the scheduler in order. On failure the remaining
// files are removed.
func (st *stream) submit(ctx context.Context, segs []segment.Segment) error {
	for i, seg := range segs {
		id, err := st.srv.sched.Submit(ctx, batch.Payload{Path: seg.Path, Owned: true})
		if err != nil {
			segment.RemoveAll(segs[i:])
			st.sendError(ctx, "submit failed: "+err.Error())
			return err
		}
		st.mu.Lock()
		st.order = append(st.order, pending{id: id, seg: seg})
		st.mu.Unlock()
		st.signal()
	}
	return nil
}

func (st *stream) finishInput() {
	st.mu.Lock()
	st.ended = true
	st.mu.Unlock()
	st.signal()
}

func (st *stream) signal() {
	select {
	case st.more <- struct{}{}:
	default:
	}
}

// deliver sends results as they are published until input has ended and
// every submitted segment has been answered.
func (st *stream) deliver(ctx context.Context) error {
	results := st.srv.sched.Results()
	for {
		// Take the wake channel before draining so a publish in between is
		// not missed.
		wake := results.Wait()
		out, finished := st.collect(results)
		for _, p := range out {
			if err := st.send(ctx, p); err != nil {
				return err
			}
		}
		if finished {
			return nil
		}
		select {
		case <-wake:
		case <-st.more:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type ready struct {
	pending
	res batch.Result
}

// collect drains published results for this stream and returns the ones that
// can be sent without overtaking an earlier segment.
func (st *stream) collect(results *batch.Results) ([]ready, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var waiting []uuid.UUID
	for _, p := range st.order {
		if _, ok := st.done[p.id]; !ok {
			waiting = append(waiting, p.id)
		}
	}
	for id, res := range results.Drain(waiting) {
		st.done[id] = res
	}

	var out []ready
	for len(st.order) > 0 {
		head := st.order[0]
		res, ok := st.done[head.id]
		if !ok {
			break
		}
		delete(st.done, head.id)
		st.order = st.order[1:]
		out = append(out, ready{pending: head, res: res})
	}
	return out, st.ended && len(st.order) == 0
}

func (st *stream) send(ctx context.Context, r ready) error {
	msg := StreamMessage{
		Text:  r.res.Text,
		Start: r.seg.Offset.Seconds(),
		End:   r.seg.End().Seconds(),
	}
	if r.res.Err != nil {
		msg.Text = ""
		msg.Error = r.res.Err.Error()
		st.log.Warn("server: stream segment failed", "id", r.id, "err", r.res.Err)
	}
	return wsjson.Write(ctx, st.conn, msg)
}

func (st *stream) sendError(ctx context.Context, detail string) {
	if err := wsjson.Write(ctx, st.conn, StreamMessage{Error: detail}); err != nil {
		st.log.Debug("server: send stream error", "err", err)
	}
}

// abandon drops results of segments that will never be delivered.
func (st *stream) abandon() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	ids := make([]uuid.UUID, 0, len(st.order))
	for _, p := range st.order {
		ids = append(ids, p.id)
	}
	st.srv.abandon(ids)
	if n := len(st.order); n > 0 {
		st.log.Debug("server: stream closed with undelivered segments", "count", n)
	}
	st.order = nil
	clear(st.done)
}
