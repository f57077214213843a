package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mikepea/circled/pkg/circled/events"
)

// Resolver maps an instance identifier to the base URL of its federation
// endpoint. Discovery is an external concern; deployments configure a
// static peer map.
type Resolver interface {
	Resolve(instance string) (string, error)
}

// StaticResolver resolves instances from a fixed map.
type StaticResolver map[string]string

// Resolve returns the base URL for an instance.
func (r StaticResolver) Resolve(instance string) (string, error) {
	url, ok := r[instance]
	if !ok {
		return "", fmt.Errorf("unknown instance %q", instance)
	}
	return url, nil
}

// ParsePeers builds a StaticResolver from "instance=url,instance=url"
// notation, the format of the CIRCLED_PEERS environment variable.
func ParsePeers(spec string) StaticResolver {
	peers := StaticResolver{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		peers[strings.TrimSpace(name)] = strings.TrimRight(strings.TrimSpace(url), "/")
	}
	return peers
}

// HTTPTransport delivers events to remote instances over signed HTTP. A
// network error or timeout surfaces as an error (the dispatcher records it
// as unreachable); a decodable reply is returned as-is even when the remote
// rejected the event.
type HTTPTransport struct {
	client   *http.Client
	resolver Resolver
	signer   *Signer
}

// NewHTTP creates a transport. A nil client falls back to
// http.DefaultClient; per-call deadlines come from the caller's context.
func NewHTTP(resolver Resolver, signer *Signer, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client, resolver: resolver, signer: signer}
}

// Send delivers one event to one instance.
func (t *HTTPTransport) Send(ctx context.Context, instance string, ev *events.Event) (*events.Response, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return t.post(ctx, instance, "/federation/event", body)
}

// Rollback asks an instance to compensate a previously applied event.
func (t *HTTPTransport) Rollback(ctx context.Context, instance, eventID string) (*events.Response, error) {
	body, err := json.Marshal(map[string]string{"eventId": eventID})
	if err != nil {
		return nil, err
	}
	return t.post(ctx, instance, "/federation/rollback", body)
}

func (t *HTTPTransport) post(ctx context.Context, instance, path string, body []byte) (*events.Response, error) {
	base, err := t.resolver.Resolve(instance)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := t.signer.Token(instance)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out events.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response from %s (%d): %w", instance, resp.StatusCode, err)
	}
	if out.Status == "" {
		return nil, fmt.Errorf("empty response status from %s (%d)", instance, resp.StatusCode)
	}
	return &out, nil
}
