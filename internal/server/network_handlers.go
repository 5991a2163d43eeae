package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tunnelpanel/internal/cloudflared"
)

type routeReq struct {
	TunnelID  string `json:"tunnel_id"`
	Hostname  string `json:"hostname"`
	Overwrite bool   `json:"overwrite"`
}

// tunnelID falls back to the tunnel named in config.yml.
func (r *Router) tunnelID(c *gin.Context, id string) (string, bool) {
	if id == "" {
		doc, ok := r.loadDocument(c)
		if !ok {
			return "", false
		}
		if doc.Config != nil {
			id = doc.Config.Tunnel
		}
	}
	if !isSafeName(id) {
		fail(c, http.StatusBadRequest, errors.New("tunnel_id required: none given and config.yml names no tunnel"))
		return "", false
	}
	return id, true
}

func (r *Router) handleRouteDNS(c *gin.Context) {
	var req routeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, errors.New("invalid JSON: "+err.Error()))
		return
	}
	if !isHostname(req.Hostname) {
		fail(c, http.StatusBadRequest, errors.New("invalid hostname"))
		return
	}
	cf, ok := r.client(c)
	if !ok {
		return
	}
	id, ok := r.tunnelID(c, req.TunnelID)
	if !ok {
		return
	}
	res := cf.RouteDNS(c.Request.Context(), id, req.Hostname, req.Overwrite)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadGateway
	}
	writeJSON(c, code, res)
}

type manualResp struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Manual  bool   `json:"manual"`
}

func (r *Router) handleDeleteDNS(c *gin.Context) {
	cf, ok := r.client(c)
	if !ok {
		return
	}
	err := cf.DeleteDNS(c.Request.Context(), c.Query("hostname"))
	if errors.Is(err, cloudflared.ErrDeleteUnsupported) {
		writeJSON(c, http.StatusNotImplemented, manualResp{Error: err.Error(), Manual: true})
		return
	}
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{Success: true})
}

type syncResult struct {
	Hostname string `json:"hostname"`
	cloudflared.RouteResult
}

// handleSyncDNS routes every ingress hostname to the configured tunnel with
// overwrite, one at a time. It is a no-op while the tunnel is stopped.
func (r *Router) handleSyncDNS(c *gin.Context) {
	cf, ok := r.client(c)
	if !ok {
		return
	}
	items, doc, ok := r.ingressItems(c)
	if !ok {
		return
	}
	results := make([]syncResult, 0, len(items))
	if !r.opts.Tunnel.Status().Running || doc.Config == nil || doc.Config.Tunnel == "" {
		writeJSON(c, http.StatusOK, results)
		return
	}
	id, ok := r.tunnelID(c, doc.Config.Tunnel)
	if !ok {
		return
	}
	for _, it := range items {
		res := cf.RouteDNS(c.Request.Context(), id, it.Hostname, true)
		results = append(results, syncResult{Hostname: it.Hostname, RouteResult: res})
	}
	writeJSON(c, http.StatusOK, results)
}

func (r *Router) handleCheckDNS(c *gin.Context) {
	host := c.Query("hostname")
	if !isHostname(host) {
		fail(c, http.StatusBadRequest, errors.New("invalid hostname"))
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Net.CheckDNS(c.Request.Context(), host))
}

func portParam(c *gin.Context) (int, bool) {
	port, err := strconv.Atoi(c.Query("port"))
	if err != nil || port <= 0 || port > 65535 {
		fail(c, http.StatusBadRequest, errors.New("port must be 1-65535"))
		return 0, false
	}
	return port, true
}

type reachableResp struct {
	Reachable bool `json:"reachable"`
}

func (r *Router) handleCheckPort(c *gin.Context) {
	port, ok := portParam(c)
	if !ok {
		return
	}
	host := c.DefaultQuery("host", "localhost")
	writeJSON(c, http.StatusOK, reachableResp{Reachable: r.opts.Net.CheckPort(c.Request.Context(), host, port)})
}

func (r *Router) handleListening(c *gin.Context) {
	port, ok := portParam(c)
	if !ok {
		return
	}
	l, err := r.opts.Net.Listening(c.Request.Context(), port)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	writeJSON(c, http.StatusOK, l)
}
