package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/keepframe/corenvr/internal/recording"
)

// detectionRequest is the §6 POST /detections body: {stream, ts, label, conf, bbox, track_id?,
// zone_id?}.
type detectionRequest struct {
	Stream  string  `json:"stream"`
	Ts      string  `json:"ts"`
	Label   string  `json:"label"`
	Conf    float64 `json:"conf"`
	BBox    [4]float64 `json:"bbox"`
	TrackID *string `json:"track_id,omitempty"`
	ZoneID  *string `json:"zone_id,omitempty"`
}

func (s *Server) handleIngestDetection(w http.ResponseWriter, r *http.Request) {
	var req detectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Stream == "" || req.Label == "" {
		badRequest(w, "stream and label are required")
		return
	}

	ts := time.Now()
	if req.Ts != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Ts); err == nil {
			ts = parsed
		}
	}

	d := recording.Detection{
		ID:         uuid.NewString(),
		StreamName: req.Stream,
		Timestamp:  ts,
		Label:      req.Label,
		Confidence: req.Conf,
		BBoxX:      req.BBox[0],
		BBoxY:      req.BBox[1],
		BBoxW:      req.BBox[2],
		BBoxH:      req.BBox[3],
		TrackID:    req.TrackID,
		ZoneID:     req.ZoneID,
	}

	recordingID, err := s.service.IngestDetection(r.Context(), d)
	if err != nil {
		internal(w, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"recording_id": recordingID})
}
