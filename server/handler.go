package server

import (
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sealdisk/utils/errs"
)

type CommitResponse struct {
	Seq uint64 `json:"seq"`
}

type BatchOp struct {
	// Op is "put" or "delete".
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

type BatchRequest struct {
	Ops []BatchOp `json:"ops"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// keyParam returns the key path segment, unescaping it when the client had
// to escape it.
func keyParam(r *http.Request) ([]byte, error) {
	key := chi.URLParam(r, "key")
	if r.URL.RawPath == "" {
		return []byte(key), nil
	}
	k, err := url.PathUnescape(key)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidArgs, "key %q", key)
	}
	return []byte(k), nil
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	value, err := s.disk.Read(key)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(value)
}

func (s *Server) putKey(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	value, err := io.ReadAll(io.LimitReader(r.Body, s.maxValueSize+1))
	if err != nil {
		s.fail(w, errors.Wrap(errs.ErrInvalidArgs, err.Error()))
		return
	}
	seq, err := s.disk.Write(key, value)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, CommitResponse{Seq: seq})
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	seq, err := s.disk.Delete(key)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, CommitResponse{Seq: seq})
}

func (s *Server) commitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, errors.Wrapf(errs.ErrInvalidArgs, "batch body: %v", err))
		return
	}
	b := s.disk.NewBatch()
	for _, op := range req.Ops {
		switch op.Op {
		case "put":
			b.Put([]byte(op.Key), op.Value)
		case "delete":
			b.Delete([]byte(op.Key))
		default:
			s.fail(w, errors.Wrapf(errs.ErrInvalidArgs, "batch op %q", op.Op))
			return
		}
	}
	seq, err := s.disk.CommitBatch(b)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, CommitResponse{Seq: seq})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	if err := s.disk.Sync(); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) maintenance(w http.ResponseWriter, r *http.Request) {
	var err error
	switch task := chi.URLParam(r, "task"); task {
	case "flush":
		err = s.disk.Flush()
	case "merge":
		err = s.disk.Merge()
	case "compact":
		err = s.disk.CompactJournal()
	default:
		err = errors.Wrapf(errs.ErrInvalidArgs, "maintenance task %q", task)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.reply(w, http.StatusOK, s.disk.Stats())
}

func (s *Server) reply(w http.ResponseWriter, status int, v interface{}) {
	out, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(out)
}

func statusOf(err error) int {
	switch {
	case errs.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errs.Is(err, errs.ErrInvalidArgs, errs.ErrEmptyKey, errs.ErrKeyTooLarge):
		return http.StatusBadRequest
	case errs.Is(err, errs.ErrValueTooLarge):
		return http.StatusRequestEntityTooLarge
	case errs.Is(err, errs.ErrNoSpace, errs.ErrLogFull):
		return http.StatusInsufficientStorage
	case errs.Is(err, errs.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	s.reply(w, status, ErrorResponse{Error: err.Error()})
}
