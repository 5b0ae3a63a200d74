package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/batchscribe/internal/batch"
	"github.com/MrWong99/batchscribe/internal/observe"
	"github.com/MrWong99/batchscribe/internal/segment"
	"github.com/MrWong99/batchscribe/internal/transcode"
	"github.com/MrWong99/batchscribe/pkg/audio"
)

// multipartMemory is how much of a multipart form is kept in memory before
// parts spill to disk.
const multipartMemory = 8 << 20

// TranscriptionResponse is the body of a successful upload.
type TranscriptionResponse struct {
	Text       string      `json:"text"`
	Timestamps *Timestamps `json:"timestamps"`
}

// Timestamps holds chunk-level offsets.
type Timestamps struct {
	Segments []TimedText `json:"segments"`
}

// TimedText is a piece of text with its position in the audio, in seconds.
type TimedText struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, "invalid multipart upload: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	includeTimestamps, err := formBool(r, "include_timestamps", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	shouldChunk, err := formBool(r, "should_chunk", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()
	if !transcode.Supported(hdr.Filename) {
		writeError(w, http.StatusUnsupportedMediaType,
			fmt.Sprintf("unsupported file type %q, accepted: %s", filepath.Ext(hdr.Filename), strings.Join(transcode.Extensions, " ")))
		return
	}

	upload, err := s.saveUpload(file, hdr)
	if err != nil {
		log.Error("server: save upload", "err", err)
		writeError(w, statusFor(err), "failed to read audio file")
		return
	}
	cleanup := []string{upload}
	defer func() {
		for _, p := range cleanup {
			segment.Remove(p)
		}
	}()

	prepared, err := s.conv.Prepare(ctx, upload)
	if err != nil {
		log.Warn("server: prepare upload", "file", hdr.Filename, "err", err)
		writeError(w, statusFor(err), "invalid audio: "+err.Error())
		return
	}
	if prepared.Converted {
		cleanup = append(cleanup, prepared.Path)
	}

	var segs []segment.Segment
	if shouldChunk {
		segs, err = s.chunk(ctx, prepared.Path)
		if err != nil {
			log.Error("server: chunk upload", "err", err)
			writeError(w, statusFor(err), "audio segmentation failed")
			return
		}
	}
	if len(segs) == 0 {
		whole, err := wholeFile(prepared.Path)
		if err != nil {
			writeError(w, statusFor(err), "invalid audio: "+err.Error())
			return
		}
		// The scheduler takes the prepared file over.
		cleanup = slices.DeleteFunc(cleanup, func(p string) bool { return p == prepared.Path })
		segs = []segment.Segment{whole}
	}

	texts, err := s.transcribeSegments(ctx, segs)
	if err != nil {
		log.Warn("server: transcription failed", "chunks", len(segs), "err", err)
		writeError(w, statusFor(err), "speech recognition failed: "+err.Error())
		return
	}

	resp := TranscriptionResponse{Text: joinTexts(texts)}
	if includeTimestamps {
		resp.Timestamps = &Timestamps{Segments: make([]TimedText, len(segs))}
		for i, seg := range segs {
			resp.Timestamps.Segments[i] = TimedText{
				Start: seg.Offset.Seconds(),
				End:   seg.End().Seconds(),
				Text:  strings.TrimSpace(texts[i]),
			}
		}
	}
	log.Info("server: transcription completed", "chunks", len(segs), "text_len", len(resp.Text))
	writeJSON(w, http.StatusOK, resp)
}

// saveUpload copies the uploaded part to a temp file that keeps the original
// extension.
func (s *Server) saveUpload(src multipart.File, hdr *multipart.FileHeader) (string, error) {
	ext := strings.ToLower(filepath.Ext(hdr.Filename))
	f, err := os.CreateTemp(s.tempDir, "upload-*"+ext)
	if err != nil {
		return "", fmt.Errorf("server: create upload file: %w", err)
	}
	path := f.Name()
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		segment.Remove(path)
		return "", fmt.Errorf("server: copy upload: %w", err)
	}
	if err := f.Close(); err != nil {
		segment.Remove(path)
		return "", fmt.Errorf("server: close upload: %w", err)
	}
	return path, nil
}

// chunk cuts a prepared file with the current chunker settings.
func (s *Server) chunk(ctx context.Context, path string) ([]segment.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("server: open prepared audio: %w", err)
	}
	defer f.Close()

	cfg := s.settings().Chunker
	cfg.Spans = s.spans
	cfg.Materializer = segment.TempWAV{Dir: s.tempDir}
	cfg.OnFlush = func(seg segment.Segment) {
		s.metrics.RecordSegment(ctx, "offline", string(seg.Reason))
	}
	return segment.NewChunker(s.engine, cfg).Chunk(ctx, f)
}

// wholeFile describes an unchunked prepared file as a single segment.
func wholeFile(path string) (segment.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return segment.Segment{}, fmt.Errorf("server: open prepared audio: %w", err)
	}
	defer f.Close()
	r, err := audio.NewWAVReader(f)
	if err != nil {
		return segment.Segment{}, fmt.Errorf("%w: %w", transcode.ErrUnsupportedFormat, err)
	}
	return segment.Segment{
		Path:      path,
		Duration:  r.Duration(),
		StartedAt: time.Now(),
		Reason:    segment.ReasonEOS,
	}, nil
}

// transcribeSegments submits every segment and waits for all texts. The
// scheduler owns each file once it is submitted; files that could not be
// submitted are removed here. Any failed item fails the request.
func (s *Server) transcribeSegments(ctx context.Context, segs []segment.Segment) ([]string, error) {
	ids := make([]uuid.UUID, 0, len(segs))
	for i, seg := range segs {
		id, err := s.sched.Submit(ctx, batch.Payload{Path: seg.Path, Owned: true})
		if err != nil {
			segment.RemoveAll(segs[i:])
			s.abandon(ids)
			return nil, err
		}
		ids = append(ids, id)
	}

	texts := make([]string, len(ids))
	for i, id := range ids {
		text, err := s.sched.Await(ctx, id)
		if err != nil {
			s.abandon(ids[i:])
			return nil, err
		}
		texts[i] = text
	}
	return texts, nil
}

// abandon discards results nobody will wait for. Results that are not
// published yet are left to the scheduler's expiry sweep.
func (s *Server) abandon(ids []uuid.UUID) {
	if len(ids) > 0 {
		s.sched.Results().Drain(ids)
	}
}

func joinTexts(texts []string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func formBool(r *http.Request, key string, def bool) (bool, error) {
	v := r.FormValue(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}
