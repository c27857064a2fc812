package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dotsetgreg/biographer/pkg/biography"
	"github.com/dotsetgreg/biographer/pkg/interview"
	"github.com/dotsetgreg/biographer/pkg/memory"
)

const maxAudioUpload = 25 << 20

type sessionView struct {
	UserID       string `json:"user_id"`
	SessionID    int64  `json:"session_id"`
	State        string `json:"state"`
	TurnCount    int    `json:"turn_count"`
	PendingCount int    `json:"pending_count"`
	ArchiveRef   string `json:"archive_ref,omitempty"`
}

func viewOf(rec memory.Session) sessionView {
	return sessionView{
		UserID:       rec.UserID,
		SessionID:    rec.SessionID,
		State:        string(rec.State),
		TurnCount:    rec.TurnCount,
		PendingCount: rec.PendingCount,
		ArchiveRef:   rec.ArchiveRef,
	}
}

type turnResponse struct {
	Session    sessionView `json:"session"`
	Seq        int64       `json:"seq,omitempty"`
	Text       string      `json:"text,omitempty"`
	Greeting   string      `json:"greeting,omitempty"`
	Ended      bool        `json:"ended"`
	ArchiveRef string      `json:"archive_ref,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	Audio      string      `json:"audio_base64,omitempty"`
	AudioType  string      `json:"audio_content_type,omitempty"`
}

type memoryView struct {
	ID         string    `json:"id"`
	Slot       string    `json:"slot,omitempty"`
	Title      string    `json:"title,omitempty"`
	Text       string    `json:"text"`
	SessionID  int64     `json:"session_id"`
	Confidence float64   `json:"confidence"`
	Supersedes string    `json:"supersedes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func turnView(s *interview.Session, res interview.TurnResult) turnResponse {
	return turnResponse{
		Session:    viewOf(s.Snapshot()),
		Seq:        res.Event.Seq,
		Text:       res.Event.Content,
		Ended:      res.Ended,
		ArchiveRef: res.ArchiveRef,
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/users/{userID}/sessions {"restart": bool}
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	var req struct {
		Restart bool `json:"restart"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.ctrl.StartSession(r.Context(), user, interview.StartOptions{Restart: req.Restart})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.ctrl.Greet(r.Context(), sess)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, turnView(sess, res))
}

func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctrl.Current(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess.Snapshot()))
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctrl.Current(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ref, err := s.ctrl.EndSession(r.Context(), sess)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": viewOf(sess.Snapshot()), "archive_ref": ref})
}

type turnRequest struct {
	// Action is "answer" (default), "skip" or "like".
	Action string `json:"action"`
	Text   string `json:"text"`
}

// POST /v1/users/{userID}/turns
func (s *Server) submitTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, res, greeting, err := s.turn(r, chi.URLParam(r, "userID"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := turnView(sess, res)
	out.Greeting = greeting
	writeJSON(w, http.StatusOK, out)
}

var errBadRequest = errors.New("bad request")

// turn applies one subject action. A session that Resume had to start is
// greeted first so the transcript opens with a question; greeting carries
// that question's text. A skip on such a session only greets.
func (s *Server) turn(r *http.Request, user string, req turnRequest) (*interview.Session, interview.TurnResult, string, error) {
	ctx := r.Context()
	action := strings.ToLower(strings.TrimSpace(req.Action))
	switch action {
	case "like":
		sess, err := s.ctrl.Current(ctx, user)
		if err != nil {
			return nil, interview.TurnResult{}, "", err
		}
		res, err := s.ctrl.LikeQuestion(ctx, sess)
		return sess, res, "", err
	case "", "answer":
		if strings.TrimSpace(req.Text) == "" {
			return nil, interview.TurnResult{}, "", fmt.Errorf("%w: text is required", errBadRequest)
		}
	case "skip":
	default:
		return nil, interview.TurnResult{}, "", fmt.Errorf("%w: unknown action %q", errBadRequest, req.Action)
	}

	sess, fresh, err := s.ctrl.Resume(ctx, user)
	if err != nil {
		return nil, interview.TurnResult{}, "", err
	}
	greeting := ""
	if fresh {
		opening, err := s.ctrl.Greet(ctx, sess)
		if err != nil {
			return nil, interview.TurnResult{}, "", err
		}
		if action == "skip" {
			return sess, opening, "", nil
		}
		greeting = opening.Event.Content
	}
	if action == "skip" {
		res, err := s.ctrl.SkipQuestion(ctx, sess)
		return sess, res, "", err
	}
	res, err := s.ctrl.SubmitTurn(ctx, sess, req.Text)
	return sess, res, greeting, err
}

// POST /v1/users/{userID}/turns/audio, multipart field "audio". With
// ?speak=1 the reply carries synthesized speech.
func (s *Server) submitAudioTurn(w http.ResponseWriter, r *http.Request) {
	if s.opts.Transcriber == nil {
		writeError(w, http.StatusNotImplemented, "voice turns are disabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUpload)
	file, hdr, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required: "+err.Error())
		return
	}
	defer file.Close()

	transcript, err := s.opts.Transcriber.SpeechToText(r.Context(), file, hdr.Filename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(transcript) == "" {
		writeError(w, http.StatusUnprocessableEntity, "no speech recognised")
		return
	}
	sess, res, greeting, err := s.turn(r, chi.URLParam(r, "userID"), turnRequest{Text: transcript})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := turnView(sess, res)
	out.Greeting = greeting
	out.Transcript = transcript
	if r.URL.Query().Get("speak") == "1" && s.opts.Speaker != nil && out.Text != "" {
		audio, contentType, err := s.opts.Speaker.TextToSpeech(r.Context(), out.Text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out.Audio = base64.StdEncoding.EncodeToString(audio)
		out.AudioType = contentType
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listMemories(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListMemoryItems(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	active := memory.Active(items)
	out := make([]memoryView, 0, len(active))
	for _, it := range active {
		out = append(out, memoryView{
			ID:         it.ID,
			Slot:       it.Slot,
			Title:      it.Title,
			Text:       it.Text,
			SessionID:  it.SourceSessionID,
			Confidence: it.Confidence,
			Supersedes: it.Supersedes,
			CreatedAt:  it.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": out, "count": len(out)})
}

// GET /v1/users/{userID}/biography/latest?format=json|markdown|html|yaml
func (s *Server) latestBiography(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.LatestBiography(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" || format == "json" {
		writeJSON(w, http.StatusOK, doc)
		return
	}
	body, err := biography.Render(doc, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch format {
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	case "yaml", "yml":
		w.Header().Set("Content-Type", "application/yaml")
	default:
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) biographyVersions(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListBiographyVersions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	type version struct {
		Version      int    `json:"version"`
		MemoryCount  int    `json:"memory_count"`
		SnapshotHash string `json:"snapshot_hash"`
		CreatedAt    string `json:"created_at"`
	}
	out := make([]version, 0, len(docs))
	for _, d := range docs {
		out = append(out, version{d.Version, d.MemoryCount, d.SnapshotHash, d.CreatedAt.Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": out})
}

func (s *Server) regenerateBiography(w http.ResponseWriter, r *http.Request) {
	if s.opts.Regenerator == nil {
		writeError(w, http.StatusNotImplemented, "biography regeneration is disabled")
		return
	}
	doc, err := s.opts.Regenerator.Regenerate(r.Context(), chi.URLParam(r, "userID"))
	if errors.Is(err, biography.ErrNoMemories) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}
