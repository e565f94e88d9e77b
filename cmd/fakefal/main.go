// Command fakefal stands in for the FAL API during local runs. It accepts
// any model path, waits a configurable delay and answers with a result
// image URL derived from the request.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/logger"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	delay := flag.Duration("delay", 2*time.Second, "simulated generation time")
	failEvery := flag.Int64("fail-every", 0, "answer 500 to every n-th request (0 disables)")
	flag.Parse()

	log, err := logger.New("info", "console")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	router := mux.NewRouter()
	router.PathPrefix("/").Handler(newServer(*delay, *failEvery, log)).Methods(http.MethodPost)

	log.Info("fake FAL backend starting", zap.String("addr", *addr), zap.Duration("delay", *delay))
	if err := http.ListenAndServe(*addr, router); err != nil {
		log.Fatal("fake FAL backend failed", zap.Error(err))
	}
}

type server struct {
	delay     time.Duration
	failEvery int64
	requests  atomic.Int64
	logger    *zap.Logger
}

func newServer(delay time.Duration, failEvery int64, logger *zap.Logger) *server {
	return &server{delay: delay, failEvery: failEvery, logger: logger}
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	requestID := uuid.NewString()
	log := s.logger.With(zap.String("request_id", requestID), zap.String("model", strings.TrimPrefix(r.URL.Path, "/")))

	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Key") || strings.TrimSpace(strings.TrimPrefix(authz, "Key")) == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "missing Key authorization"})
		return
	}

	var body struct {
		ImageURLs []string `json:"image_urls"`
		Prompt    string   `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.ImageURLs) < 2 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "image_urls needs a person and at least one garment"})
		return
	}

	if s.failEvery > 0 && n%s.failEvery == 0 {
		log.Warn("simulating upstream failure")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "simulated failure"})
		return
	}

	select {
	case <-time.After(s.delay):
	case <-r.Context().Done():
		log.Info("client went away")
		return
	}

	sum := sha256.Sum256([]byte(strings.Join(body.ImageURLs, "|")))
	url := "https://fake-fal.local/results/" + hex.EncodeToString(sum[:8]) + ".png"

	log.Info("generated", zap.Int("images", len(body.ImageURLs)), zap.String("url", url))
	writeJSON(w, http.StatusOK, map[string]any{
		"images":     []map[string]any{{"url": url, "content_type": "image/png"}},
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
