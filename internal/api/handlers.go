package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/harrison/taskproof/internal/ledger"
	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/pipeline"
	"github.com/harrison/taskproof/internal/verify"
)

// maxPhotoBytes bounds uploaded photos.
const maxPhotoBytes = 20 << 20

type errorResponse struct {
	Error   string          `json:"error"`
	Kind    verify.Kind     `json:"kind,omitempty"`
	Outcome *verify.Outcome `json:"outcome,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind verify.Kind) int {
	switch kind {
	case verify.KindNotFound, verify.KindNotEnabled:
		return http.StatusNotFound
	case verify.KindInvalidState, verify.KindUploadInProgress, verify.KindVerificationRequired, verify.KindCanceled:
		return http.StatusConflict
	case verify.KindScoreMismatch:
		return http.StatusUnprocessableEntity
	case verify.KindUploadFailed, verify.KindScoreFailed:
		return http.StatusBadGateway
	case verify.KindScoreTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, outcome *verify.Outcome) {
	kind := verify.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		s.log.Errorf("[%s %s] %v", r.Method, r.URL.Path, err)
	} else {
		s.log.Debugf("[%s %s] %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind, Outcome: outcome})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listVerifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshots(r.Context()))
}

func (s *Server) getVerification(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) enableVerification(w http.ResponseWriter, r *http.Request) {
	var cfg models.VerificationConfig
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid config: %v", err)})
		return
	}
	st, err := s.engine.Enable(r.Context(), mux.Vars(r)["id"], cfg)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) disableVerification(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Disable(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) openStartWindow(w http.ResponseWriter, r *http.Request) {
	s.statusAction(w, r, s.engine.OpenStartWindow)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.statusAction(w, r, s.engine.Cancel)
}

func (s *Server) restart(w http.ResponseWriter, r *http.Request) {
	s.statusAction(w, r, s.engine.Restart)
}

func (s *Server) statusAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, taskID string) (*verify.Status, error)) {
	st, err := action(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	phase, err := models.ParsePhase(vars["phase"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	photo, err := readPhoto(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	out, err := s.engine.Submit(r.Context(), vars["id"], phase, photo)
	if err != nil {
		s.writeError(w, r, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// readPhoto accepts a multipart "photo" field or a raw image body.
func readPhoto(w http.ResponseWriter, r *http.Request) (pipeline.Photo, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if strings.HasPrefix(mediaType, "multipart/") {
		file, header, err := r.FormFile("photo")
		if err != nil {
			return pipeline.Photo{}, fmt.Errorf("missing photo field: %w", err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return pipeline.Photo{}, fmt.Errorf("read photo: %w", err)
		}
		return newPhoto(header.Filename, header.Header.Get("Content-Type"), data)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return pipeline.Photo{}, fmt.Errorf("read photo: %w", err)
	}
	return newPhoto("photo", mediaType, data)
}

func newPhoto(name, contentType string, data []byte) (pipeline.Photo, error) {
	if len(data) == 0 {
		return pipeline.Photo{}, fmt.Errorf("photo is empty")
	}
	if contentType == "application/octet-stream" {
		contentType = ""
	}
	p := pipeline.Photo{Name: name, ContentType: contentType, Data: data}
	p.ContentType = p.DetectContentType()
	return p, nil
}

func (s *Server) bypass(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var (
		out *verify.Outcome
		err error
	)
	switch vars["action"] {
	case "start":
		out, err = s.engine.StartTask(r.Context(), vars["id"])
	case "complete":
		out, err = s.engine.CompleteTask(r.Context(), vars["id"])
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown action %q (want start or complete)", vars["action"])})
		return
	}
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type balanceResponse struct {
	Balance int                  `json:"balance"`
	Entries []models.LedgerEntry `json:"entries"`
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.Balance(r.Context())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	entries, err := s.ledger.Entries(r.Context(), "")
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance, Entries: entries})
}

type taskLedgerResponse struct {
	Summary ledger.Summary       `json:"summary"`
	Entries []models.LedgerEntry `json:"entries"`
}

func (s *Server) getTaskLedger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sum, err := s.ledger.Summarize(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	entries, err := s.ledger.Entries(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, taskLedgerResponse{Summary: sum, Entries: entries})
}
