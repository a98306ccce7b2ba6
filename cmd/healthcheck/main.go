// Command healthcheck is the container health probe. It exits non-zero when
// /healthz does not answer 200 or, with IRC enabled, the IRC port refuses
// connections.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := checkHTTP(ctx, localURL(envOr("HTTP_ADDR", ":8080"))+"/healthz"); err != nil {
		log.Printf("http check failed: %v", err)
		os.Exit(1)
	}
	if os.Getenv("IRC_ENABLED") != "false" {
		if err := checkTCP(ctx, localAddr(envOr("IRC_ADDR", ":6667"))); err != nil {
			log.Printf("irc check failed: %v", err)
			os.Exit(1)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// localAddr turns a listen address such as ":8080" into a dialable one.
func localAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

func localURL(listen string) string { return "http://" + localAddr(listen) }

func checkHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "unexpected status " + http.StatusText(e.code) }

func checkTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
