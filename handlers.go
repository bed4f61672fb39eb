package rfidtrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/TanatPinkeaw/RFID-Project/internal"
	"github.com/TanatPinkeaw/RFID-Project/sessions"
	"github.com/TanatPinkeaw/RFID-Project/state"
	"github.com/TanatPinkeaw/RFID-Project/uhf"
)

// Control is the session control surface. *sessions.Supervisor implements it.
type Control interface {
	Connect(ctx context.Context, req sessions.ConnectRequest) (sessions.ConnectResult, error)
	Disconnect(ctx context.Context, deviceID string) error
	Devices() []sessions.Info
	GetParams(ctx context.Context, deviceID string) (sessions.ParamsResult, error)
	SetParam(ctx context.Context, deviceID, key, value string) (uhf.Params, error)
}

// Registry lists every known reader, connected or not. *state.DevicesTable implements it.
type Registry interface {
	SelectAll() ([]state.Device, error)
}

type Handler struct {
	Control  Control
	Registry Registry
}

type devicesResponse struct {
	Sessions []sessions.Info `json:"sessions"`
	Devices  []state.Device  `json:"devices,omitempty"`
}

type setParamRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handlerErrorFor maps control errors onto HTTP statuses.
func handlerErrorFor(err error) *internal.HandlerError {
	var herr *internal.HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	switch {
	case errors.Is(err, sessions.ErrAlreadyConnected):
		return &internal.HandlerError{StatusCode: http.StatusConflict, Code: "already_connected", Err: err}
	case errors.Is(err, sessions.ErrConnectionFailed):
		return &internal.HandlerError{StatusCode: http.StatusBadRequest, Code: "connection_failed", Err: err}
	case errors.Is(err, sessions.ErrInvalidParam):
		return &internal.HandlerError{StatusCode: http.StatusBadRequest, Code: "invalid_param", Err: err}
	case errors.Is(err, sessions.ErrNoSession):
		return &internal.HandlerError{StatusCode: http.StatusNotFound, Code: "no_session", Err: err}
	case errors.Is(err, sessions.ErrProtocolTimeout):
		return &internal.HandlerError{StatusCode: http.StatusGatewayTimeout, Code: "timeout", Err: err}
	default:
		return &internal.HandlerError{StatusCode: http.StatusInternalServerError, Code: "internal", Err: err}
	}
}

func writeError(w http.ResponseWriter, req *http.Request, err error) {
	herr := handlerErrorFor(err)
	log := hlog.FromRequest(req)
	if herr.StatusCode >= 500 && herr.StatusCode != http.StatusGatewayTimeout {
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
		log.Error().Err(err).Int("status", herr.StatusCode).Msg("request failed")
	} else {
		log.Warn().Err(err).Int("status", herr.StatusCode).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("failed to write response")
	}
}

func badJSON(err error) error {
	return &internal.HandlerError{
		StatusCode: http.StatusBadRequest,
		Code:       "bad_json",
		Err:        fmt.Errorf("request body is not valid JSON: %w", err),
	}
}

func (h *Handler) Connect(w http.ResponseWriter, req *http.Request) {
	var cr sessions.ConnectRequest
	if err := json.NewDecoder(req.Body).Decode(&cr); err != nil {
		writeError(w, req, badJSON(err))
		return
	}
	if cr.LocationID <= 0 {
		writeError(w, req, &internal.HandlerError{
			StatusCode: http.StatusBadRequest,
			Code:       "bad_request",
			Err:        errors.New("location_id is required"),
		})
		return
	}
	res, err := h.Control.Connect(req.Context(), cr)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Disconnect(w http.ResponseWriter, req *http.Request) {
	deviceID := mux.Vars(req)["device"]
	if err := h.Control.Disconnect(req.Context(), deviceID); err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected", "device_id": deviceID})
}

func (h *Handler) Devices(w http.ResponseWriter, req *http.Request) {
	resp := devicesResponse{Sessions: h.Control.Devices()}
	if h.Registry != nil {
		devices, err := h.Registry.SelectAll()
		if err != nil {
			writeError(w, req, fmt.Errorf("list devices: %w", err))
			return
		}
		resp.Devices = devices
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetParams(w http.ResponseWriter, req *http.Request) {
	res, err := h.Control.GetParams(req.Context(), mux.Vars(req)["device"])
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) SetParam(w http.ResponseWriter, req *http.Request) {
	deviceID := mux.Vars(req)["device"]
	var sr setParamRequest
	if err := json.NewDecoder(req.Body).Decode(&sr); err != nil {
		writeError(w, req, badJSON(err))
		return
	}
	p, err := h.Control.SetParam(req.Context(), deviceID, sr.Key, sr.Value)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions.ParamsResult{DeviceID: deviceID, Params: p})
}
