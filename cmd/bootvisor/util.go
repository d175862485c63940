package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/server"
	"github.com/loykin/bootvisor/pkg/client"
)

const dateLayout = "2006-01-02"

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// apiURL derives the control API address from the server section, mapping a
// wildcard listen host to loopback.
func apiURL(cfg config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		host, port = "127.0.0.1", "8089"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	base := strings.TrimRight(cfg.Server.BasePath, "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return scheme + "://" + net.JoinHostPort(host, port) + base
}

// newAPIClient builds a client from flags, falling back to the config file.
func newAPIClient(g *GlobalFlags) (*client.Client, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	cc := client.Config{
		BaseURL:  g.APIUrl,
		Timeout:  g.APITimeout,
		Token:    g.APIToken,
		Insecure: g.Insecure,
		Logger:   cfg.Log.NewSlogger(),
	}
	if cc.BaseURL == "" {
		cc.BaseURL = apiURL(cfg)
	}
	if cc.Token == "" && !server.IsTokenHash(cfg.Server.Token) {
		cc.Token = cfg.Server.Token
	}
	if t := cfg.Server.TLS; t.Enabled && !g.Insecure {
		ca := t.CertFile
		if ca == "" && t.Dir != "" {
			ca = filepath.Join(t.Dir, "tls.crt")
		}
		cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: ca}
	}
	return client.New(cc), nil
}

// parseDay parses an inclusive YYYY-MM-DD bound in local time; empty is open.
func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}
