package api

import (
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jibzus/hypesilico/internal/compiler"
	"github.com/jibzus/hypesilico/internal/engine"
	"github.com/jibzus/hypesilico/internal/query"
	"github.com/jibzus/hypesilico/pkg/num"
)

type APIHandler struct {
	queries  *query.Engine
	compiler *compiler.Compiler
	universe []string
}

// SetupRouter wires the read-side HTTP surface. compiler may be nil when
// the upstream is unreachable at startup (API-only mode: queries serve
// whatever is already compiled).
func SetupRouter(queries *query.Engine, comp *compiler.Compiler, universe []string) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS (comma-separated). Empty or
	// "*" allows everything; pin it in production.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{queries: queries, compiler: comp, universe: universe}

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, "ok") })
	r.GET("/ready", func(c *gin.Context) { c.JSON(http.StatusOK, "ready") })

	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware())
	// The compile-on-read endpoints fan out upstream fetches; keep abusive
	// clients from turning this service into a proxy hammer.
	v1.Use(NewRateLimiter(120, 20).Middleware())
	{
		v1.GET("/trades", handler.handleTrades)
		v1.GET("/positions/history", handler.handlePositionHistory)
		v1.GET("/pnl", handler.handlePnL)
		v1.GET("/leaderboard", handler.handleLeaderboard)
		v1.GET("/deposits", handler.handleDeposits)
		v1.GET("/compile/progress", handler.handleCompileProgress)
	}

	return r
}

// parseWindow extracts coin/fromMs/toMs/builderOnly/maxStartCapital.
func parseWindow(c *gin.Context, p *query.Params) bool {
	p.Coin = c.Query("coin")

	for _, bound := range []struct {
		name string
		dst  *int64
	}{
		{"fromMs", &p.FromMs},
		{"toMs", &p.ToMs},
	} {
		raw := c.Query(bound.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid parameter: " + bound.name})
			return false
		}
		*bound.dst = v
	}

	if raw := c.Query("builderOnly"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid parameter: builderOnly"})
			return false
		}
		p.BuilderOnly = v
	}

	if raw := c.Query("maxStartCapital"); raw != "" {
		v, err := num.Parse(raw)
		if err != nil || v.Sign() < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid parameter: maxStartCapital"})
			return false
		}
		p.MaxStartCapital = &v
	}
	return true
}

// parseParams is parseWindow plus the required user parameter.
func parseParams(c *gin.Context) (query.Params, bool) {
	var p query.Params
	p.User = strings.ToLower(strings.TrimSpace(c.Query("user")))
	if p.User == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameter: user"})
		return p, false
	}
	return p, parseWindow(c, &p)
}

// refresh runs the compile pipeline for the requested user before the
// read. Transient upstream failures degrade: the stored history still
// serves, flagged tainted. Engine corruption and storage failures are 500s.
func (h *APIHandler) refresh(c *gin.Context, user string) (degraded, fatal bool) {
	if h.compiler == nil {
		return true, false
	}
	err := h.compiler.CompileUser(c.Request.Context(), user)
	if err == nil {
		return false, false
	}
	if compiler.IsTransient(err) {
		log.Printf("[API] compile degraded for %s: %v", user, err)
		return true, false
	}
	if errors.Is(err, engine.ErrCorrupt) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Compile failed", "details": err.Error()})
		return true, true
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Storage failure", "details": err.Error()})
	return true, true
}

func (h *APIHandler) handleTrades(c *gin.Context) {
	p, ok := parseParams(c)
	if !ok {
		return
	}
	degraded, fatal := h.refresh(c, p.User)
	if fatal {
		return
	}

	res, err := h.queries.Trades(c.Request.Context(), p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list trades", "details": err.Error()})
		return
	}
	res.Tainted = res.Tainted || degraded
	c.JSON(http.StatusOK, res)
}

func (h *APIHandler) handlePositionHistory(c *gin.Context) {
	p, ok := parseParams(c)
	if !ok {
		return
	}
	degraded, fatal := h.refresh(c, p.User)
	if fatal {
		return
	}

	res, err := h.queries.PositionHistory(c.Request.Context(), p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list snapshots", "details": err.Error()})
		return
	}
	res.Tainted = res.Tainted || degraded
	c.JSON(http.StatusOK, res)
}

func (h *APIHandler) handlePnL(c *gin.Context) {
	p, ok := parseParams(c)
	if !ok {
		return
	}
	degraded, fatal := h.refresh(c, p.User)
	if fatal {
		return
	}

	res, err := h.queries.PnL(c.Request.Context(), p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute pnl", "details": err.Error()})
		return
	}
	res.Tainted = res.Tainted || degraded
	c.JSON(http.StatusOK, res)
}

// handleLeaderboard serves from warm tables only; the background refresher
// keeps the configured universe compiled.
func (h *APIHandler) handleLeaderboard(c *gin.Context) {
	metric, err := query.ParseMetric(c.DefaultQuery("metric", string(query.MetricPnl)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var p query.Params
	if !parseWindow(c, &p) {
		return
	}
	if len(h.universe) == 0 {
		c.JSON(http.StatusOK, []query.LeaderboardRow{})
		return
	}

	rows, err := h.queries.Leaderboard(c.Request.Context(), metric, p, h.universe)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to rank leaderboard", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *APIHandler) handleDeposits(c *gin.Context) {
	p, ok := parseParams(c)
	if !ok {
		return
	}
	if _, fatal := h.refresh(c, p.User); fatal {
		return
	}

	res, err := h.queries.Deposits(c.Request.Context(), p.User, p.FromMs, p.ToMs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list deposits", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *APIHandler) handleCompileProgress(c *gin.Context) {
	if h.compiler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Compiler not initialized"})
		return
	}
	c.JSON(http.StatusOK, h.compiler.GetProgress())
}
