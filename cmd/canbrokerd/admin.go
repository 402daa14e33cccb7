package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/juano2310/SuperCANBus-sub000/internal/broker"
)

// startAdmin serves the read-only status views and the few mutating admin
// verbs. Every handler runs its broker access inside the run loop via ops,
// so the core stays lock-free.
func startAdmin(addr string, ops chan<- func(*broker.Broker)) {
	exec := func(fn func(*broker.Broker)) {
		done := make(chan struct{})
		ops <- func(b *broker.Broker) {
			fn(b)
			close(done)
		}
		<-done
	}

	started := time.Now()
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(started).String(),
			"component": "canbrokerd",
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/api/clients", func(c *gin.Context) {
		var clients []broker.ClientInfo
		exec(func(b *broker.Broker) { clients = b.SnapshotClients() })
		c.JSON(http.StatusOK, gin.H{"clients": clients})
	})

	router.GET("/api/topics", func(c *gin.Context) {
		var topics []broker.TopicInfo
		exec(func(b *broker.Broker) { topics = b.SnapshotTopics() })
		c.JSON(http.StatusOK, gin.H{"topics": topics})
	})

	router.GET("/api/subscriptions", func(c *gin.Context) {
		var subs []broker.SubscriptionInfo
		exec(func(b *broker.Broker) { subs = b.SnapshotSubscriptions() })
		c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
	})

	router.POST("/api/clients/:id/unregister", func(c *gin.Context) {
		id, ok := parseClientID(c)
		if !ok {
			return
		}
		var err error
		exec(func(b *broker.Broker) { err = b.Unregister(id) })
		respondErr(c, err)
	})

	router.POST("/api/clients/:id/serial", func(c *gin.Context) {
		id, ok := parseClientID(c)
		if !ok {
			return
		}
		var body struct {
			Serial string `json:"serial"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var err error
		exec(func(b *broker.Broker) { err = b.UpdateSerial(id, body.Serial) })
		respondErr(c, err)
	})

	router.POST("/api/liveness", func(c *gin.Context) {
		var body struct {
			Enabled    bool  `json:"enabled"`
			IntervalMs int64 `json:"interval_ms"`
			MaxMissed  uint8 `json:"max_missed"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		exec(func(b *broker.Broker) {
			b.SetLiveness(body.Enabled, time.Duration(body.IntervalMs)*time.Millisecond, body.MaxMissed)
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	go func() {
		if err := router.Run(addr); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("admin server stopped")
		}
	}()
}

func parseClientID(c *gin.Context) (uint8, bool) {
	raw, err := strconv.ParseUint(c.Param("id"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
		return 0, false
	}
	return uint8(raw), true
}

func respondErr(c *gin.Context, err error) {
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
