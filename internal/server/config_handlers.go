package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tunnelpanel/internal/cloudflared"
	"github.com/loykin/tunnelpanel/internal/tunnelcfg"
)

var (
	errNoConfigPath  = errors.New("no cloudflared config path configured")
	errNoCloudflared = errors.New("cloudflared client not configured")
)

func (r *Router) loadDocument(c *gin.Context) (*tunnelcfg.Document, bool) {
	if r.opts.ConfigPath == "" {
		fail(c, http.StatusNotImplemented, errNoConfigPath)
		return nil, false
	}
	doc, err := tunnelcfg.Load(r.opts.ConfigPath)
	if err != nil {
		fail(c, http.StatusUnprocessableEntity, err)
		return nil, false
	}
	return doc, true
}

func (r *Router) handleGetConfig(c *gin.Context) {
	doc, ok := r.loadDocument(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, doc)
}

type putConfigReq struct {
	Config *tunnelcfg.Config `json:"config"`
	Raw    string            `json:"raw"`
}

type saveResp struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Backup  string `json:"backup,omitempty"`
}

func (r *Router) handlePutConfig(c *gin.Context) {
	var req putConfigReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, errors.New("invalid JSON: "+err.Error()))
		return
	}
	if req.Raw == "" && req.Config == nil {
		fail(c, http.StatusBadRequest, errors.New("one of config or raw is required"))
		return
	}
	doc, ok := r.loadDocument(c)
	if !ok {
		return
	}
	// Keys the JSON form cannot carry survive a structured save.
	if req.Raw == "" && doc.Config != nil {
		req.Config.Extra = doc.Config.Extra
	}
	r.save(c, req.Config, req.Raw)
}

func (r *Router) save(c *gin.Context, cfg *tunnelcfg.Config, raw string) {
	backup, err := tunnelcfg.Save(r.opts.ConfigPath, cfg, raw)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	r.logger.Info("cloudflared config saved", "path", r.opts.ConfigPath, "backup", backup)
	writeJSON(c, http.StatusOK, saveResp{Success: true, Path: r.opts.ConfigPath, Backup: backup})
}

func (r *Router) ingressItems(c *gin.Context) ([]tunnelcfg.ProxyItem, *tunnelcfg.Document, bool) {
	doc, ok := r.loadDocument(c)
	if !ok {
		return nil, nil, false
	}
	var rules []tunnelcfg.IngressRule
	if doc.Config != nil {
		rules = doc.Config.Ingress
	}
	return tunnelcfg.ProxyItems(rules, r.opts.Tunnel.Status().Running), doc, true
}

// handleGetIngress lists proxy items. Probing of local ports and DNS is on
// unless probe=false.
func (r *Router) handleGetIngress(c *gin.Context) {
	items, _, ok := r.ingressItems(c)
	if !ok {
		return
	}
	if c.Query("probe") == "false" {
		writeJSON(c, http.StatusOK, items)
		return
	}
	running := r.opts.Tunnel.Status().Running
	writeJSON(c, http.StatusOK, r.opts.Net.Reconcile(c.Request.Context(), items, running))
}

func (r *Router) handlePutIngress(c *gin.Context) {
	var items []tunnelcfg.ProxyItem
	if err := c.ShouldBindJSON(&items); err != nil {
		fail(c, http.StatusBadRequest, errors.New("invalid JSON: "+err.Error()))
		return
	}
	for _, it := range items {
		if !isHostname(it.Hostname) {
			fail(c, http.StatusBadRequest, errors.New("invalid hostname: "+it.Hostname))
			return
		}
		if it.Service == "" && (it.LocalPort <= 0 || it.LocalPort > 65535) {
			fail(c, http.StatusBadRequest, errors.New("invalid local port for "+it.Hostname))
			return
		}
	}
	doc, ok := r.loadDocument(c)
	if !ok {
		return
	}
	cfg := doc.Config
	if cfg == nil {
		cfg = &tunnelcfg.Config{}
	}
	cfg.Ingress = tunnelcfg.ToIngress(items)
	r.save(c, cfg, "")
}

func (r *Router) client(c *gin.Context) (*cloudflared.Client, bool) {
	if r.opts.Cloudflared == nil {
		fail(c, http.StatusNotImplemented, errNoCloudflared)
		return nil, false
	}
	return r.opts.Cloudflared, true
}

type tunnelsResp struct {
	Success bool                 `json:"success"`
	Tunnels []cloudflared.Tunnel `json:"tunnels"`
}

func (r *Router) handleTunnels(c *gin.Context) {
	cf, ok := r.client(c)
	if !ok {
		return
	}
	tunnels, err := cf.ListTunnels(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	writeJSON(c, http.StatusOK, tunnelsResp{Success: true, Tunnels: tunnels})
}

type authResp struct {
	cloudflared.Installation
	cloudflared.AuthStatus
}

func (r *Router) handleAuth(c *gin.Context) {
	cf, ok := r.client(c)
	if !ok {
		return
	}
	st, err := cf.AuthStatus()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	writeJSON(c, http.StatusOK, authResp{Installation: cf.Check(), AuthStatus: st})
}

type messageResp struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (r *Router) handleLogin(c *gin.Context) {
	cf, ok := r.client(c)
	if !ok {
		return
	}
	msg, err := cf.Login(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	writeJSON(c, http.StatusOK, messageResp{Success: true, Message: msg})
}

func (r *Router) handleLogout(c *gin.Context) {
	cf, ok := r.client(c)
	if !ok {
		return
	}
	if err := cf.Logout(); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{Success: true})
}
