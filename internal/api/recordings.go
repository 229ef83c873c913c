package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/keepframe/corenvr/internal/recording"
)

const defaultRecordingsLimit = 50

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := recording.ListOptions{
		StreamName: q.Get("stream_name"),
		Limit:      defaultRecordingsLimit,
		OrderBy:    "start_time",
		OrderDesc:  true,
	}

	if v := q.Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.StartTime = &t
		}
	}
	if v := q.Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.EndTime = &t
		}
	}
	if v := q.Get("has_detection"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.HasDetection = &b
		}
	}
	if v := q.Get("trigger_type"); v != "" {
		t := recording.TriggerType(v)
		opts.TriggerType = &t
	}
	if v := q.Get("protected"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.Protected = &b
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	recordings, total, err := s.service.ListRecordings(r.Context(), opts)
	if err != nil {
		internal(w, err.Error())
		return
	}
	JSONWithMeta(w, http.StatusOK, recordings, &Meta{Total: total, Limit: opts.Limit, Offset: opts.Offset})
}
