package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"

	"terrainstream/internal/indexdb"
	"terrainstream/internal/streamer"
	"terrainstream/internal/world"
)

//go:embed params.schema.json
var paramsSchemaJSON string

const maxBodyBytes = 64 * 1024

func compileParamsSchema() (*jsonschema.Schema, error) {
	schema, err := jsonschema.CompileString("params.schema.json", paramsSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile params schema: %w", err)
	}
	return schema, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/chunks", s.handleChunks)
	r.GET("/chunks/:cx/:cz", s.handleChunk)
	r.GET("/chunks/:cx/:cz/preview.png", s.handleChunkPreview)
	r.POST("/regenerate", s.handleRegenerate)
	r.GET("/params", s.handleGetParams)
	r.PUT("/params", s.handlePutParams)
	r.PUT("/render-distance", s.handleRenderDistance)
	r.PUT("/observer", s.handleObserver)
	r.GET("/history", s.handleHistory)
	if s.hub != nil {
		r.GET(s.cfg.Network.WebsocketPath, gin.WrapH(s.hub))
	}
	return r
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("http request")
	}
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusResponse struct {
	ServerID       string                `json:"serverId"`
	State          string                `json:"state"`
	RenderDistance int                   `json:"renderDistance"`
	Observer       mgl64.Vec3            `json:"observer"`
	Chunks         int                   `json:"chunks"`
	LastCycle      *streamer.CycleReport `json:"lastCycle,omitempty"`
	Clients        *int                  `json:"clients,omitempty"`
	JournalWritten *uint64               `json:"journalWritten,omitempty"`
	Index          *indexdb.Stats        `json:"index,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{
		ServerID:       s.cfg.Server.ID,
		State:          s.streamer.State().String(),
		RenderDistance: s.streamer.RenderDistance(),
		Observer:       s.observer.Position(),
		Chunks:         s.store.Len(),
	}
	if report, ok := s.streamer.LastReport(); ok {
		resp.LastCycle = &report
	}
	if s.hub != nil {
		n := s.hub.ClientCount()
		resp.Clients = &n
	}
	if s.journal != nil {
		n := s.journal.Written()
		resp.JournalWritten = &n
	}
	if s.index != nil {
		stats, err := s.index.Stats(c.Request.Context())
		if err != nil {
			s.logger.WithError(err).Warn("index stats unavailable")
		} else {
			resp.Index = &stats
		}
	}
	c.JSON(http.StatusOK, resp)
}

type chunkSummary struct {
	X          int             `json:"x"`
	Z          int             `json:"z"`
	Placement  world.Placement `json:"placement"`
	Resolution int             `json:"resolution"`
	Stats      world.GridStats `json:"stats"`
	Heights    []float64       `json:"heights,omitempty"`
}

func summarize(chunk *world.TerrainChunk, withHeights bool) chunkSummary {
	out := chunkSummary{
		X:         chunk.Coord.X,
		Z:         chunk.Coord.Z,
		Placement: chunk.Placement,
	}
	if chunk.Grid != nil {
		out.Resolution = chunk.Grid.Resolution
		out.Stats = chunk.Grid.Stats()
		if withHeights {
			out.Heights = chunk.Grid.Cells
		}
	}
	return out
}

func (s *Server) handleChunks(c *gin.Context) {
	coords := s.store.Coordinates()
	out := make([]chunkSummary, 0, len(coords))
	for _, coord := range coords {
		chunk, ok := s.store.Chunk(coord)
		if !ok {
			continue
		}
		out = append(out, summarize(chunk, false))
	}
	c.JSON(http.StatusOK, gin.H{"chunks": out})
}

func parseCoord(c *gin.Context) (world.ChunkCoord, error) {
	x, err := strconv.Atoi(c.Param("cx"))
	if err != nil {
		return world.ChunkCoord{}, fmt.Errorf("invalid chunk x %q", c.Param("cx"))
	}
	z, err := strconv.Atoi(c.Param("cz"))
	if err != nil {
		return world.ChunkCoord{}, fmt.Errorf("invalid chunk z %q", c.Param("cz"))
	}
	return world.ChunkCoord{X: x, Z: z}, nil
}

func (s *Server) loadedChunk(c *gin.Context) (*world.TerrainChunk, bool) {
	coord, err := parseCoord(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return nil, false
	}
	chunk, ok := s.store.Chunk(coord)
	if !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("chunk %v: %w", coord, world.ErrChunkNotLoaded))
		return nil, false
	}
	return chunk, true
}

func (s *Server) handleChunk(c *gin.Context) {
	chunk, ok := s.loadedChunk(c)
	if !ok {
		return
	}
	withHeights := c.Query("heights") == "true" || c.Query("heights") == "1"
	c.JSON(http.StatusOK, summarize(chunk, withHeights))
}

func (s *Server) handleChunkPreview(c *gin.Context) {
	chunk, ok := s.loadedChunk(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := world.EncodeHeightPreview(&buf, chunk.Grid, chunk.Placement.Size.Y()); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func (s *Server) handleRegenerate(c *gin.Context) {
	s.streamer.Regenerate()
	c.JSON(http.StatusAccepted, gin.H{"regenerate": true})
}

func (s *Server) handleGetParams(c *gin.Context) {
	c.JSON(http.StatusOK, s.streamer.Parameters())
}

// handlePutParams overlays the body on the current parameters. Loaded chunks
// keep their heights unless regenerate=true is given.
func (s *Server) handlePutParams(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := s.paramsSchema.Validate(doc); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	params := s.streamer.Parameters()
	if err := json.Unmarshal(body, &params); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("decode parameters: %w", err))
		return
	}
	if err := s.streamer.SetParameters(params); err != nil {
		abort(c, http.StatusUnprocessableEntity, err)
		return
	}
	regenerate := c.Query("regenerate") == "true"
	if regenerate {
		s.streamer.Regenerate()
	}
	s.logger.WithFields(logrus.Fields{
		"seed":       params.Seed,
		"noise":      params.Noise,
		"regenerate": regenerate,
	}).Info("terrain parameters updated")
	c.JSON(http.StatusOK, params)
}

type renderDistanceRequest struct {
	RenderDistance *int `json:"renderDistance"`
}

func (s *Server) handleRenderDistance(c *gin.Context) {
	var req renderDistanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if req.RenderDistance == nil {
		abort(c, http.StatusBadRequest, errors.New("renderDistance is required"))
		return
	}
	if err := s.streamer.SetRenderDistance(*req.RenderDistance); err != nil {
		abort(c, http.StatusUnprocessableEntity, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"renderDistance": *req.RenderDistance})
}

type observerRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (s *Server) handleObserver(c *gin.Context) {
	var req observerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	pos := mgl64.Vec3{req.X, req.Y, req.Z}
	s.observer.Set(pos)
	c.JSON(http.StatusOK, gin.H{"observer": pos})
}

// handleHistory lists recent lifecycle events, optionally for one chunk
// given as ?chunk=x,z.
func (s *Server) handleHistory(c *gin.Context) {
	if s.index == nil {
		abort(c, http.StatusNotFound, errors.New("lifecycle index is disabled"))
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	var (
		events []streamer.Event
		err    error
	)
	if raw := c.Query("chunk"); raw != "" {
		coord, perr := parseChunkQuery(raw)
		if perr != nil {
			abort(c, http.StatusBadRequest, perr)
			return
		}
		events, err = s.index.ChunkHistory(c.Request.Context(), coord, limit)
	} else {
		events, err = s.index.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []streamer.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func parseChunkQuery(raw string) (world.ChunkCoord, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return world.ChunkCoord{}, fmt.Errorf("chunk must be x,z: %q", raw)
	}
	x, errX := strconv.Atoi(strings.TrimSpace(parts[0]))
	z, errZ := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errX != nil || errZ != nil {
		return world.ChunkCoord{}, fmt.Errorf("chunk must be x,z: %q", raw)
	}
	return world.ChunkCoord{X: x, Z: z}, nil
}
