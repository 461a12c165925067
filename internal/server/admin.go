package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type policySetRequest struct {
	PolicyClassRef string         `json:"policy_class_ref" binding:"required"`
	Config         map[string]any `json:"config"`
	EnabledBy      string         `json:"enabled_by"`
}

// handlePolicySet swaps the active policy. Validation happens before
// install; in-flight transactions keep the descriptor they bound at
// ingress.
func (s *Server) handlePolicySet(c *gin.Context) {
	var req policySetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":         false,
			"error":           "invalid request body: " + err.Error(),
			"troubleshooting": "send {policy_class_ref, config, enabled_by}",
		})
		return
	}

	started := time.Now()
	descriptor, err := s.registry.Activate(req.PolicyClassRef, req.Config, req.EnabledBy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":         false,
			"error":           err.Error(),
			"troubleshooting": "known policy classes: " + joinClassRefs(s.registry.ClassRefs()),
		})
		return
	}

	logrus.Infof("active policy swapped to %s by %s", descriptor.ClassRef, req.EnabledBy)
	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"policy":              descriptor,
		"restart_duration_ms": time.Since(started).Milliseconds(),
	})
}

func joinClassRefs(refs []string) string {
	out := ""
	for i, ref := range refs {
		if i > 0 {
			out += ", "
		}
		out += ref
	}
	return out
}

func (s *Server) handleAuthConfigGet(c *gin.Context) {
	cfg := s.cache.Configuration()
	c.JSON(http.StatusOK, gin.H{
		"mode":                cfg.Mode,
		"valid_ttl_seconds":   int64(cfg.ValidTTL.Seconds()),
		"invalid_ttl_seconds": int64(cfg.InvalidTTL.Seconds()),
	})
}

type authConfigPatch struct {
	Mode              string `json:"mode"`
	ValidTTLSeconds   int64  `json:"valid_ttl_seconds"`
	InvalidTTLSeconds int64  `json:"invalid_ttl_seconds"`
}

func (s *Server) handleAuthConfigPatch(c *gin.Context) {
	var req authConfigPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	cfg := s.cache.Update(req.Mode,
		time.Duration(req.ValidTTLSeconds)*time.Second,
		time.Duration(req.InvalidTTLSeconds)*time.Second)
	c.JSON(http.StatusOK, gin.H{
		"mode":                cfg.Mode,
		"valid_ttl_seconds":   int64(cfg.ValidTTL.Seconds()),
		"invalid_ttl_seconds": int64(cfg.InvalidTTL.Seconds()),
	})
}

func (s *Server) handleCredentialsList(c *gin.Context) {
	entries := s.cache.Entries()
	c.JSON(http.StatusOK, gin.H{"credentials": entries, "count": len(entries)})
}

func (s *Server) handleCredentialsInvalidateOne(c *gin.Context) {
	hash := c.Param("hash")
	if !s.cache.Invalidate(hash) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached credential with that hash"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleCredentialsInvalidateAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "invalidated": s.cache.InvalidateAll()})
}
