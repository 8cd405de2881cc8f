package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/internal/capture"
	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/session"
	"github.com/Rysertio/screenstreaming/internal/util"
	"github.com/Rysertio/screenstreaming/internal/version"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local control API
	},
}

// StartRequest is the body of POST /api/sessions/{device}/start.
type StartRequest struct {
	URL              string `json:"url"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	Density          int    `json:"density,omitempty"`
	Bitrate          int    `json:"bitrate,omitempty"`
	FrameRate        int    `json:"frameRate,omitempty"`
	KeyframeInterval int    `json:"keyframeInterval,omitempty"`
	User             string `json:"user,omitempty"`
	Password         string `json:"password,omitempty"`
}

func (r StartRequest) sessionRequest() session.Request {
	req := session.Request{
		Endpoint:         r.URL,
		Resolution:       core.Resolution{Width: r.Width, Height: r.Height},
		Density:          r.Density,
		Bitrate:          r.Bitrate,
		FrameRate:        r.FrameRate,
		KeyframeInterval: r.KeyframeInterval,
	}
	if r.User != "" {
		req.Credentials = &core.Credentials{User: r.User, Password: r.Password}
	}
	return req
}

// DeviceDTO is one adb device
type DeviceDTO struct {
	Serial  string `json:"serial"`
	Model   string `json:"model,omitempty"`
	Product string `json:"product,omitempty"`
	State   string `json:"state"`
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, err error) {
	respondJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

func isValidDeviceSerial(serial string) bool {
	if len(serial) < 3 || len(serial) > 64 {
		return false
	}
	// adb serials may be host:port for network devices
	for _, c := range serial {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' || c == ':') {
			return false
		}
	}
	return true
}

// deviceVar returns the validated {device} route variable.
func deviceVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	device := mux.Vars(r)["device"]
	if !isValidDeviceSerial(device) {
		respondError(w, http.StatusBadRequest, errors.Errorf("invalid device serial %q", device))
		return "", false
	}
	return device, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  ServiceName,
		"uptime":   s.Uptime().String(),
		"version":  version.Current(),
		"sessions": len(s.manager.List()),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("adb is not available"))
		return
	}
	infos, err := s.devices.Devices()
	if err != nil {
		util.GetLogger().Error("Failed to list devices", "error", err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	devices := make([]DeviceDTO, 0, len(infos))
	for _, info := range infos {
		dto := DeviceDTO{Serial: info.Serial, Model: info.Model, Product: info.Product}
		if st, err := s.devices.State(info.Serial); err == nil {
			dto.State = capture.StateName(st)
		} else {
			dto.State = "unknown"
		}
		devices = append(devices, dto)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"devices": devices,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": s.manager.List(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceVar(w, r)
	if !ok {
		return
	}
	stats, found := s.manager.Get(device)
	if !found {
		respondError(w, http.StatusNotFound, errors.Errorf("no session for device %s", device))
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceVar(w, r)
	if !ok {
		return
	}

	var body StartRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if body.URL == "" {
		respondError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	stats, err := s.manager.Start(device, body.sessionRequest())
	if errors.Is(err, core.ErrSessionActive) {
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
			"session": stats,
		})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"session": stats,
	})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceVar(w, r)
	if !ok {
		return
	}
	stats, _ := s.manager.Stop(device)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": stats,
	})
}

// handleSessionEvents streams status events of a device until the client
// goes away.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceVar(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.GetLogger().Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.New().String()
	events := s.hub.Subscribe(device, id, 16)
	defer s.hub.Unsubscribe(device, id)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					util.GetLogger().Debug("WebSocket read error", "device", device, "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				util.GetLogger().Debug("WebSocket write failed", "device", device, "error", err)
				return
			}
		}
	}
}
