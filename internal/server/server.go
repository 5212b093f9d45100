package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"

	"terrainstream/internal/config"
	"terrainstream/internal/indexdb"
	"terrainstream/internal/journal"
	"terrainstream/internal/logging"
	"terrainstream/internal/network"
	"terrainstream/internal/streamer"
	"terrainstream/internal/terrain"
	"terrainstream/internal/world"
)

// Server wires the streamer to its realizers, event sinks and the admin API.
type Server struct {
	cfg    *config.Config
	logger *logrus.Entry

	store    *world.ChunkStore
	observer *streamer.TrackedObserver
	streamer *streamer.Streamer
	memory   *world.MemoryRealizer
	hub      *network.Hub
	journal  *journal.Journal
	index    *indexdb.Index

	paramsSchema *jsonschema.Schema
	router       *gin.Engine
	httpSrv      *http.Server

	closeOnce sync.Once
	closeErr  error
}

// controller feeds websocket commands into the streamer.
type controller struct {
	observer *streamer.TrackedObserver
	streamer *streamer.Streamer
}

func (c controller) SetObserverPosition(pos mgl64.Vec3) {
	c.observer.Set(pos)
}

func (c controller) Regenerate() {
	c.streamer.Regenerate()
}

func (c controller) Depth() float64 {
	return c.streamer.Parameters().Depth
}

func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	schema, err := compileParamsSchema()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger.Component("server"),
		store:        world.NewChunkStore(),
		paramsSchema: schema,
	}

	var realizers []world.Realizer
	if cfg.Realization.Memory {
		s.memory = world.NewMemoryRealizer()
		realizers = append(realizers, s.memory)
	}
	if cfg.Realization.PreviewDir != "" {
		realizers = append(realizers, world.NewPreviewRealizer(cfg.Realization.PreviewDir))
	}
	if cfg.Network.Enabled {
		s.hub = network.NewHub(network.HubOptions{
			ServerID:        cfg.Server.ID,
			Depth:           cfg.Terrain.Depth,
			MaxQueue:        cfg.Network.MaxQueue,
			WriteTimeout:    cfg.Network.WriteTimeout.Duration(),
			MaxMessageBytes: cfg.Network.MaxMessageBytes,
			Logger:          logger.Component("network"),
		})
		realizers = append(realizers, s.hub)
	}

	start := cfg.Stream.Observer
	s.observer = streamer.NewTrackedObserver(mgl64.Vec3{start.X, start.Y, start.Z})

	st, err := streamer.New(streamer.Options{
		Store:          s.store,
		Synthesizer:    terrain.NewSynthesizer(cfg.Terrain.Workers, logger.Component("terrain")),
		Realizer:       world.Realizers(realizers...),
		Observer:       s.observer,
		Parameters:     cfg.Terrain.Parameters,
		RenderDistance: cfg.Stream.RenderDistance,
		LoadsPerSecond: cfg.Stream.MaxLoadsPerSecond,
		Logger:         logger.Component("streamer"),
	})
	if err != nil {
		return nil, err
	}
	s.streamer = st
	if s.hub != nil {
		s.hub.Attach(controller{observer: s.observer, streamer: st})
	}

	if cfg.Journal.Dir != "" {
		j, err := journal.Open(cfg.Journal.Dir, logger.Component("journal"))
		if err != nil {
			s.closeSinks()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.journal = j
		st.Subscribe(j)
	}
	if cfg.Index.Path != "" {
		idx, err := indexdb.Open(cfg.Index.Path, logger.Component("indexdb"))
		if err != nil {
			s.closeSinks()
			return nil, fmt.Errorf("open index: %w", err)
		}
		s.index = idx
		st.Subscribe(idx)
	}

	s.router = s.routes()
	return s, nil
}

// Handler exposes the admin API and websocket endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Streamer() *streamer.Streamer {
	return s.streamer
}

// Run streams terrain and serves HTTP until ctx is cancelled, then shuts
// both down and releases every loaded chunk.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.HTTPListen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- s.streamer.Run(streamCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.Server.HTTPListen).Info("HTTP server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	timeout := s.cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Warn("HTTP shutdown incomplete")
	}

	cancelStream()
	<-streamDone
	s.logger.Info("streamer stopped")

	return errors.Join(runErr, s.Close())
}

// Close releases every loaded chunk and closes the hub and event sinks.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release chunks: %w", err))
		}
		if s.hub != nil {
			s.hub.Close()
		}
		errs = append(errs, s.closeSinks())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Server) closeSinks() error {
	var errs []error
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
	}
	return errors.Join(errs...)
}
