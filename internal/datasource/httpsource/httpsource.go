// Package httpsource implements a generic OAuth2-client-credentials
// authenticated REST DataSource driver (SPEC_FULL.md §4.4): GET/PUT/DELETE
// against a configurable base URL and path template. It stands in for "some
// real external system" in the retrieval pack without being the
// out-of-scope Postgres adapter (spec §1).
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

// requestTimeout bounds every HTTP round trip this driver makes. The
// worker applies its own per-source timeout on top of this (spec §4.4,
// §5); this is a defensive floor so a hung connection doesn't block
// forever even if the worker's timeout is misconfigured.
const requestTimeout = 45 * time.Second

// Source is a REST DataSource authenticated via OAuth2 client credentials.
type Source struct {
	client   *http.Client
	baseURL  string
	pathTmpl string // contains exactly one "%s" substituted with the foreign ID
}

// New returns an uninitialized Source; call Init before use.
func New() *Source {
	return &Source{}
}

// Factory returns a datasource.Factory that builds fresh Sources — the
// registration hook for Registry.RegisterFactory("httpsource", ...).
func Factory() datasource.Factory {
	return func() datasource.DataSource { return New() }
}

// Init configures the OAuth2 token source and base URL from settings:
// base_url, path_template (with one "%s" placeholder for the foreign ID),
// token_url, client_id, client_secret, and an optional comma-separated
// scopes list.
func (s *Source) Init(ctx context.Context, settings map[string]string) error {
	baseURL := settings["base_url"]
	pathTmpl := settings["path_template"]

	if baseURL == "" || pathTmpl == "" {
		return fmt.Errorf("httpsource: base_url and path_template are required")
	}

	if strings.Count(pathTmpl, "%s") != 1 {
		return fmt.Errorf("httpsource: path_template must contain exactly one %%s placeholder")
	}

	var scopes []string
	if raw := settings["scopes"]; raw != "" {
		scopes = strings.Split(raw, ",")
	}

	cc := clientcredentials.Config{
		ClientID:     settings["client_id"],
		ClientSecret: settings["client_secret"],
		TokenURL:     settings["token_url"],
		Scopes:       scopes,
	}

	s.client = cc.Client(ctx)
	s.client.Timeout = requestTimeout
	s.baseURL = strings.TrimRight(baseURL, "/")
	s.pathTmpl = pathTmpl

	return nil
}

func (s *Source) url(foreignID string) string {
	return s.baseURL + fmt.Sprintf(s.pathTmpl, foreignID)
}

// Get fetches the document at fk. A 404 response maps to
// datasource.ErrMissing.
func (s *Source) Get(ctx context.Context, fk idkey.ForeignKey) (*document.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(fk.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("httpsource: building get request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpsource: get request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, datasource.ErrMissing
	}

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("httpsource: get %s: unexpected status %d", fk, resp.StatusCode)
	}

	return decodeDocument(resp.Body)
}

// Set writes doc to the source. If fk.ID is empty, a POST creates a new
// resource and the response's "id" field supplies the allocated foreign
// ID; otherwise a PUT overwrites the document at fk.
func (s *Source) Set(ctx context.Context, fk idkey.ForeignKey, doc *document.Document) (idkey.ForeignKey, error) {
	body, err := encodeDocument(doc)
	if err != nil {
		return idkey.ForeignKey{}, err
	}

	method := http.MethodPut
	url := s.url(fk.ID)

	if fk.ID == "" {
		method = http.MethodPost
		url = s.baseURL
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return idkey.ForeignKey{}, fmt.Errorf("httpsource: building set request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return idkey.ForeignKey{}, fmt.Errorf("httpsource: set request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return idkey.ForeignKey{}, fmt.Errorf("httpsource: set %s: unexpected status %d", fk, resp.StatusCode)
	}

	if fk.ID != "" {
		return fk, nil
	}

	return allocatedForeignKey(fk, resp.Body)
}

// Delete removes the document at fk. A 404 is treated as success (deleting
// an absent key is a no-op per spec §4.4).
func (s *Source) Delete(ctx context.Context, fk idkey.ForeignKey) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url(fk.ID), nil)
	if err != nil {
		return fmt.Errorf("httpsource: building delete request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpsource: delete request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("httpsource: delete %s: unexpected status %d", fk, resp.StatusCode)
	}

	return nil
}

// Close is a no-op: the underlying *http.Client owns no resources this
// driver must release explicitly.
func (s *Source) Close() error {
	return nil
}

// allocatedForeignKey parses {"id": "..."} from a creation response.
func allocatedForeignKey(fk idkey.ForeignKey, body io.Reader) (idkey.ForeignKey, error) {
	var created struct {
		ID string `json:"id"`
	}

	if err := json.NewDecoder(body).Decode(&created); err != nil {
		return idkey.ForeignKey{}, fmt.Errorf("httpsource: decoding created id: %w", err)
	}

	if created.ID == "" {
		return idkey.ForeignKey{}, fmt.Errorf("httpsource: create response carried no id")
	}

	fk.ID = created.ID

	return fk, nil
}

// encodeDocument flattens a Document to a JSON object keyed by "/"-joined
// path, the wire shape this generic REST driver exchanges with the
// external system.
func encodeDocument(doc *document.Document) ([]byte, error) {
	flat := make(map[string]string, doc.Len())
	for _, p := range doc.Paths() {
		v, _ := doc.Get(p)
		flat[p.String()] = v
	}

	b, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("httpsource: encoding document: %w", err)
	}

	return b, nil
}

// decodeDocument parses the flattened JSON object form back into a
// Document, visiting keys in sorted order for deterministic insertion
// order (Compute itself re-sorts paths, so this only affects
// insertion-ordered views such as Document.Paths()).
func decodeDocument(r io.Reader) (*document.Document, error) {
	var flat map[string]string

	if err := json.NewDecoder(r).Decode(&flat); err != nil {
		return nil, fmt.Errorf("httpsource: decoding document: %w", err)
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	doc := document.New()
	for _, k := range keys {
		doc.Set(document.NewPath(strings.Split(k, "/")...), flat[k])
	}

	return doc, nil
}
