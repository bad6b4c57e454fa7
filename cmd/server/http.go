package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hsuyoo/kvcask/core"
)

// handler dispatches the fixed HTTP surface onto the engine: GET/POST/PUT/DELETE
// on "/" map to get/put/delete, the key is the string form of the request
// body's "id" field, and the stored value for a write is the JSON re-encoding
// of the whole body. Grounded on rest_api.rs's request dispatch table, but
// built on net/http rather than hand-parsed request lines.
type handler struct {
	db  *core.DB
	log *zap.SugaredLogger
}

func newHandler(db *core.DB, log *zap.SugaredLogger) *handler {
	return &handler{db: db, log: log}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	log := h.log.With("request_id", reqID, "method", r.Method)

	var status int
	switch r.Method {
	case http.MethodGet:
		status = h.handleGet(w, r, log)
	case http.MethodPost, http.MethodPut:
		status = h.handlePut(w, r, log)
	case http.MethodDelete:
		status = h.handleDelete(w, r, log)
	default:
		status = writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported method %q", r.Method))
	}

	log.Infow("handled request", "status", status)
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger) int {
	key, _, _, err := parseBody(r)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}

	val, err := h.db.Get(key)
	if err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return http.StatusNoContent
		}
		log.Errorw("get failed", "key", key, "error", err)
		return writeError(w, http.StatusInternalServerError, err)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, val)
	return http.StatusOK
}

func (h *handler) handlePut(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger) int {
	key, value, fieldCount, err := parseBody(r)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}
	if fieldCount <= 1 {
		return writeError(w, http.StatusBadRequest, fmt.Errorf("%w: missing fields besides \"id\"", core.ErrBadRequest))
	}

	if err := h.db.Put(key, value); err != nil {
		log.Errorw("put failed", "key", key, "error", err)
		return writeError(w, http.StatusInternalServerError, err)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, value)
	return http.StatusOK
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger) int {
	key, _, _, err := parseBody(r)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}

	if err := h.db.Delete(key); err != nil {
		log.Errorw("delete failed", "key", key, "error", err)
		return writeError(w, http.StatusInternalServerError, err)
	}

	w.WriteHeader(http.StatusOK)
	return http.StatusOK
}

// parseBody reads the request body as a JSON object, extracts key from its
// "id" field (number or string, stringified either way), and returns the
// whole object re-encoded as the value to store along with its field count
// (§6: "the value stored for put/update is the JSON-encoded original
// object"; a write with no fields besides "id" is a 400).
func parseBody(r *http.Request) (key, value string, fieldCount int, err error) {
	var obj map[string]any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&obj); err != nil {
		return "", "", 0, fmt.Errorf("%w: malformed JSON body: %v", core.ErrBadRequest, err)
	}

	id, ok := obj["id"]
	if !ok {
		return "", "", 0, fmt.Errorf("%w: missing \"id\" field", core.ErrBadRequest)
	}

	switch v := id.(type) {
	case string:
		key = v
	case float64:
		// strconv.FormatFloat with 'f' and prec -1 matches
		// serde_json::Number::to_string() for plain decimal ids (rustdb's
		// rest_api.rs); fmt.Sprintf("%g") instead switches to scientific
		// notation for large magnitudes and would stringify the same id
		// differently than the original.
		key = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return "", "", 0, fmt.Errorf("%w: \"id\" field must be a string or number", core.ErrBadRequest)
	}

	encoded, err := json.Marshal(obj)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: re-encode body: %v", core.ErrBadRequest, err)
	}

	return key, string(encoded), len(obj), nil
}

func writeError(w http.ResponseWriter, status int, err error) int {
	w.WriteHeader(status)
	_, _ = io.WriteString(w, err.Error())
	return status
}
