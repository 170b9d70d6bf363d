package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyTTL       = 24 * time.Hour
)

// responseRecorder буферизует ответ хендлера, чтобы его можно было
// закэшировать перед отправкой клиенту.
type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }

func (r *responseRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *responseRecorder) flush(w http.ResponseWriter) {
	for key, values := range r.header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(r.status)
	_, _ = w.Write(r.body.Bytes())
}

// withIdempotency оборачивает мутирующий хендлер протоколом идемпотентности.
// Ключ берётся из заголовка Idempotency-Key; без заголовка запрос исполняется
// напрямую. Хэш запроса связывает ключ с конкретным телом: повтор того же
// ключа с другим телом отклоняется.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
		if key == "" || s.idemRepo == nil {
			next(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		hash := requestHash(r.Method, r.URL.Path, body)
		if _, err := s.idemRepo.CreateProcessing(key, hash, time.Now().UTC().Add(idempotencyTTL)); err != nil {
			if s.replayIdempotency(w, key, hash, err) {
				return
			}
			s.logger.WithError(err).WithField("idempotency_key", key).Error("idempotency bookkeeping failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "idempotency bookkeeping failed")
			return
		}

		rec := newResponseRecorder()
		next(rec, r)
		rec.flush(w)

		s.cacheOutcome(key, rec)
	}
}

// replayIdempotency обрабатывает конфликт создания записи. Возвращает true,
// если ответ клиенту уже записан.
func (s *Server) replayIdempotency(w http.ResponseWriter, key, hash string, createErr error) bool {
	if errors.Is(createErr, domain.ErrIdempotencyHashMismatch) {
		writeError(w, http.StatusConflict, "idempotency_key_reused",
			"idempotency key was already used with a different request")
		return true
	}
	if !errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists) {
		return false
	}

	record, err := s.idemRepo.Get(key)
	if err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Error("failed to load idempotency record")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load idempotency record")
		return true
	}
	if record.RequestHash != hash {
		writeError(w, http.StatusConflict, "idempotency_key_reused",
			"idempotency key was already used with a different request")
		return true
	}

	switch record.Status {
	case domain.IdempotencyStatusDone, domain.IdempotencyStatusFailed:
		if record.HTTPStatus == 0 || len(record.ResponseBody) == 0 {
			writeError(w, http.StatusInternalServerError, "internal_error", "cached response is corrupted")
			return true
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(record.HTTPStatus)
		_, _ = w.Write(record.ResponseBody)
		return true
	case domain.IdempotencyStatusProcessing:
		writeError(w, http.StatusConflict, "request_in_flight",
			"a request with this idempotency key is already being processed")
		return true
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "unknown idempotency record state")
		return true
	}
}

// cacheOutcome сохраняет ответ под ключом. Детерминированные бизнес-отказы
// (4xx) кэшируются как Done: повтор не должен перезапускать сагу. Сбои 5xx
// помечаются Failed, чтобы запись не маскировала временную ошибку навсегда.
func (s *Server) cacheOutcome(key string, rec *responseRecorder) {
	var err error
	if rec.status < http.StatusInternalServerError {
		err = s.idemRepo.MarkDone(key, rec.body.Bytes(), rec.status)
	} else {
		err = s.idemRepo.MarkFailed(key, rec.body.Bytes(), rec.status)
	}
	if err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to persist idempotency outcome")
	}
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(":"))
	h.Write([]byte(path))
	h.Write([]byte(":"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
