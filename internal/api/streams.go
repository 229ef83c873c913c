package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keepframe/corenvr/internal/recording"
)

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	enabledOnly := false
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabledOnly, _ = strconv.ParseBool(v)
	}
	streams, err := s.repo.ListStreams(r.Context(), enabledOnly)
	if err != nil {
		internal(w, err.Error())
		return
	}
	JSON(w, http.StatusOK, streams)
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var stream recording.Stream
	if err := json.NewDecoder(r.Body).Decode(&stream); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.service.CreateStream(r.Context(), stream); err != nil {
		if errors.Is(err, recording.ErrValidation) {
			badRequest(w, err.Error())
			return
		}
		internal(w, err.Error())
		return
	}
	JSON(w, http.StatusCreated, stream)
}

func (s *Server) handleUpdateStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var stream recording.Stream
	if err := json.NewDecoder(r.Body).Decode(&stream); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	stream.Name = name
	if err := s.service.UpdateStream(r.Context(), stream); err != nil {
		if errors.Is(err, recording.ErrValidation) {
			badRequest(w, err.Error())
			return
		}
		internal(w, err.Error())
		return
	}
	JSON(w, http.StatusOK, stream)
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	permanent, _ := strconv.ParseBool(r.URL.Query().Get("permanent"))
	if err := s.service.DeleteStream(r.Context(), name, permanent); err != nil {
		internal(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.service.StartManualRecording(r.Context(), name); err != nil {
		if errors.Is(err, recording.ErrValidation) {
			badRequest(w, err.Error())
			return
		}
		internal(w, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"stream": name, "status": "recording"})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.service.StopManualRecording(r.Context(), name); err != nil {
		if errors.Is(err, recording.ErrValidation) {
			badRequest(w, err.Error())
			return
		}
		internal(w, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"stream": name, "status": "stopped"})
}
