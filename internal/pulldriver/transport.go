package pulldriver

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// Credentials configures the auth matrix a transport authenticates with:
// basic, basic+client-cert, client-cert-only, or none, selected by which
// fields are non-empty — the same branching taxii.py's
// _build_taxii_client does off username/password/key_file/cert_file.
type Credentials struct {
	Username string
	Password string
	KeyFile  string
	CertFile string
	CAFile   string
}

// Transport issues discovery/poll/fulfillment requests over HTTP(S),
// pacing retries with a token bucket so a flapping upstream can't be
// hammered by the poll worker's backoff loop.
type Transport struct {
	client  *http.Client
	creds   Credentials
	limiter *rate.Limiter
}

// NewTransport builds a Transport. limit/burst govern outbound request
// pacing across retries; a zero-value creds behaves as AUTH_NONE.
func NewTransport(creds Credentials, limit rate.Limit, burst int) (*Transport, error) {
	tlsConfig := &tls.Config{}

	if creds.CertFile != "" && creds.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(creds.CertFile, creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("pulldriver: load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if creds.CAFile != "" {
		pem, err := os.ReadFile(creds.CAFile)
		if err != nil {
			return nil, fmt.Errorf("pulldriver: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("pulldriver: no certificates found in %s", creds.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &Transport{
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
			Timeout:   60 * time.Second,
		},
		creds:   creds,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// call POSTs an XML-marshaled request to url and unmarshals the XML
// response body into resp. It blocks on the retry-pacing limiter before
// issuing the request.
func (t *Transport) call(ctx context.Context, url string, req any, resp any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pulldriver: rate limit wait: %w", err)
	}

	body, err := xml.Marshal(req)
	if err != nil {
		return fmt.Errorf("pulldriver: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pulldriver: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/xml")

	if t.creds.Username != "" && t.creds.Password != "" {
		httpReq.SetBasicAuth(t.creds.Username, t.creds.Password)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("pulldriver: request %s: %w", url, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("pulldriver: %s returned status %d", url, httpResp.StatusCode)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("pulldriver: read response body: %w", err)
	}

	if err := xml.Unmarshal(respBody, resp); err != nil {
		return fmt.Errorf("pulldriver: unmarshal response from %s: %w", url, err)
	}
	return nil
}
