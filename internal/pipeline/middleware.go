package pipeline

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"ipguard/internal/domain"
	"ipguard/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware inspects every request before next runs. Allowed requests are recorded
// with the status next actually served so the error rate reflects real responses.
func (p *Pipeline) Middleware(identity *IdentityResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		req := Request{
			Identity: identity.Resolve(r),
			Method:   r.Method,
			Path:     r.URL.Path,
			At:       start,
		}

		v := p.Evaluate(r.Context(), req)
		metrics.InspectDuration.Observe(time.Since(start).Seconds())

		if !v.Allowed {
			p.Record(req, v, v.Status)
			writeDenied(w, v)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		p.Record(req, v, status)
	})
}

func writeDenied(w http.ResponseWriter, v Verdict) {
	if v.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(v.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(v.Status)

	msg := http.StatusText(v.Status)
	if v.Result == domain.ResultRateLimited {
		msg = "Rate limit exceeded. Please try again later."
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
