package feed

import (
	"context"
	"errors"
	"net/http"
	"time"

	"archer-volume.klederson.com/internal/control"
	"archer-volume.klederson.com/internal/logger"
	"archer-volume.klederson.com/internal/rssi"
	"archer-volume.klederson.com/internal/volume"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Event types sent over the websocket.
const (
	EventStateInit = "state_init"
	EventState     = "state_changed"
	EventSignal    = "signal_changed"
	EventVolume    = "volume_changed"
	EventError     = "error"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Controller is what the feed needs from the control loop.
type Controller interface {
	Status() control.Status
	OnSignalUpdate(func(float64)) func()
	OnVolumeDispatched(func(int)) func()
	OnStateChange(func(control.State)) func()
	OnError(func(error)) func()
}

// StatusView is the JSON form of control.Status.
type StatusView struct {
	State          string    `json:"state"`
	Connected      bool      `json:"connected"`
	DeviceID       string    `json:"device_id,omitempty"`
	DeviceName     string    `json:"device_name,omitempty"`
	Session        string    `json:"session,omitempty"`
	ConnectedAt    time.Time `json:"connected_at,omitzero"`
	AutoMode       bool      `json:"auto_mode"`
	RangeMin       int       `json:"range_min"`
	RangeMax       int       `json:"range_max"`
	TargetDistance int       `json:"target_distance_m"`
	Signal         float64   `json:"signal_dbm"`
	HasSignal      bool      `json:"has_signal"`
	Strength       float64   `json:"strength_pct"`
	Distance       float64   `json:"distance_m"`
	Volume         int       `json:"volume"`
	Simulated      bool      `json:"simulated"`
	Sink           string    `json:"sink"`
	LastError      string    `json:"last_error,omitempty"`
}

// NewStatusView converts a controller snapshot.
func NewStatusView(st control.Status) StatusView {
	v := StatusView{
		State:          st.State.String(),
		Connected:      st.Connected,
		Session:        st.Session,
		ConnectedAt:    st.ConnectedAt,
		AutoMode:       st.AutoMode,
		RangeMin:       st.Range.Min,
		RangeMax:       st.Range.Max,
		TargetDistance: st.TargetDistance,
		Signal:         st.Signal,
		HasSignal:      st.HasSignal,
		Strength:       volume.Strength(st.Signal),
		Distance:       rssi.ToDistance(st.Signal),
		Volume:         st.Volume,
		Simulated:      st.Simulated,
		Sink:           st.Sink,
	}
	if st.Connected {
		v.DeviceID = st.Device.ID
		v.DeviceName = st.Device.DisplayName()
	}
	if st.LastError != nil {
		v.LastError = st.LastError.Error()
	}
	return v
}

type signalData struct {
	Signal   float64 `json:"signal_dbm"`
	Strength float64 `json:"strength_pct"`
	Distance float64 `json:"distance_m"`
}

type volumeData struct {
	Volume int `json:"volume"`
}

type errorData struct {
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	// The feed is served on the local network to the archer's own devices.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the feed over HTTP.
type Server struct {
	ctrl Controller
	hub  *Hub
	log  *logger.Logger
}

// NewServer creates a feed for ctrl.
func NewServer(ctrl Controller, log *logger.Logger) *Server {
	return &Server{ctrl: ctrl, hub: NewHub(log), log: log}
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// Routes builds the gin router.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", s.health)
	r.GET("/state", s.state)
	r.GET("/ws", s.wsConnect)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.hub.Clients()})
}

func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, NewStatusView(s.ctrl.Status()))
}

func (s *Server) wsConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("feed upgrade failed", "err", err)
		return
	}

	cl := newClient(s.hub, conn, c.Request.RemoteAddr)
	first, err := encode(EventStateInit, NewStatusView(s.ctrl.Status()))
	if err == nil {
		cl.send <- first
	}
	if !s.hub.add(cl) {
		s.log.Debugw("feed stopped, refusing client", "remote_addr", cl.remoteAddr)
		_ = conn.Close()
		return
	}

	// Pumps outlive the request; the hub owns the connection from here.
	go cl.writePump()
	go cl.readPump()
}

// Bridge forwards controller events to the hub until the returned func is
// called.
func (s *Server) Bridge() (stop func()) {
	unsubs := []func(){
		s.ctrl.OnStateChange(func(control.State) {
			s.hub.Broadcast(EventState, NewStatusView(s.ctrl.Status()))
		}),
		s.ctrl.OnSignalUpdate(func(v float64) {
			s.hub.Broadcast(EventSignal, signalData{Signal: v, Strength: volume.Strength(v), Distance: rssi.ToDistance(v)})
		}),
		s.ctrl.OnVolumeDispatched(func(level int) {
			s.hub.Broadcast(EventVolume, volumeData{Volume: level})
		}),
		s.ctrl.OnError(func(err error) {
			s.hub.Broadcast(EventError, errorData{Message: err.Error()})
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	go s.hub.Run(hubCtx)

	stop := s.Bridge()
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infow("feed listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
