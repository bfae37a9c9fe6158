// Package pprofutil serves net/http/pprof for a running node.
package pprofutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"
)

const envAllowPublic = "SPRAY_PPROF_ALLOW_PUBLIC"

// Server is a running profiling endpoint. A nil *Server is valid and does
// nothing.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start serves the pprof handlers on addr. An empty addr returns a nil
// Server. Only loopback binds are allowed unless SPRAY_PPROF_ALLOW_PUBLIC=1.
func Start(addr string, logw io.Writer) (*Server, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	allowPublic := strings.TrimSpace(os.Getenv(envAllowPublic)) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("pprof addr must be loopback unless %s=1: %s", envAllowPublic, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           mux(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", s.Addr())
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

// mux registers the handlers on a private mux so two nodes in one process
// do not collide on http.DefaultServeMux.
func mux() *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("/debug/pprof/", pprof.Index)
	m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return m
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
