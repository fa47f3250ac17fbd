package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/bakape/liveupdate/common"
	"github.com/bakape/liveupdate/util"
	"github.com/dimfeld/httptreemux"
	"github.com/go-playground/log"
)

// Request bodies are small JSON objects. Updates are capped well below this.
const jsonLimit = 32 << 10

// Listings change on every update, so clients must always revalidate
var jsonHeaders = map[string]string{
	"Content-Type":           "application/json",
	"Cache-Control":          "no-cache",
	"X-Content-Type-Options": "nosniff",
}

// Encode data and write it with an ETag derived from the body
func serveJSON(w http.ResponseWriter, r *http.Request, data interface{}) {
	buf, err := json.Marshal(data)
	if err != nil {
		textError(w, r, http.StatusInternalServerError, err)
		return
	}

	etag := util.HashBuffer(buf)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	head := w.Header()
	for k, v := range jsonHeaders {
		head.Set(k, v)
	}
	head.Set("ETag", etag)
	writeData(w, r, buf)
}

// Decode a limited request body into dest. Writes a 400 and returns false on
// failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, jsonLimit)).Decode(dest)
	if err != nil {
		textError(w, r, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, r *http.Request, data []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		logError(r, err)
	}
}

func logError(r *http.Request, err interface{}) {
	log.WithFields(log.F("method", r.Method), log.F("path", r.URL.Path)).
		Errorf("server: %s\n%s", err, debug.Stack())
}

// Write a plain text "<code> <message>" response. Only server errors are
// logged.
func textError(w http.ResponseWriter, r *http.Request, code int, err error) {
	msg := http.StatusText(code)
	if err != nil {
		msg = err.Error()
	}
	http.Error(w, fmt.Sprintf("%d %s", code, msg), code)
	if code >= 500 {
		logError(r, err)
	}
}

func text404(w http.ResponseWriter, r *http.Request) {
	textError(w, r, http.StatusNotFound, nil)
}

// Respond with the status attached to err or 500
func httpError(w http.ResponseWriter, r *http.Request, err error) {
	code := common.StatusCode(err)
	var s common.StatusError
	if errors.As(err, &s) {
		err = s.Err
	}
	textError(w, r, code, err)
}

func extractParam(r *http.Request, id string) string {
	return httptreemux.ContextParams(r.Context())[id]
}
