package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxPassthroughBody caps non-streaming passthrough responses (/api/tags,
// /api/ps) to prevent a misbehaving upstream from forcing unbounded memory
// allocation on this side of the proxy.
const maxPassthroughBody = 32 << 20

// ForwardGET proxies a simple GET request to baseURL+path, bounded by ctx's
// deadline. Used for the non-streaming, non-cached passthrough routes
// (/api/tags, /api/ps) which need none of Forward's cache/telemetry/logging
// machinery.
func ForwardGET(ctx context.Context, client *http.Client, baseURL, path string, w http.ResponseWriter, r *http.Request) error {
	targetURL := baseURL + path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return fmt.Errorf("proxy: build passthrough request: %w", err)
	}
	copyHeaders(outReq.Header, r.Header)

	resp, err := client.Do(outReq)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return fmt.Errorf("proxy: passthrough request: %w", err)
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxPassthroughBody)); err != nil {
		return fmt.Errorf("proxy: copy passthrough response: %w", err)
	}
	return nil
}
