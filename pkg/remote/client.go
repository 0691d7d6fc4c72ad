package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/odvcencio/monogit/pkg/monorepo"
	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/protocol"
)

const clientAgent = "agent=monogit-client/1"

// Endpoint identifies a repository on a monogit server.
// BaseURL is scheme and host only; RepoPath is the repository path.
type Endpoint struct {
	Raw      string
	BaseURL  string
	RepoPath string
	user     string
	pass     string
}

// ParseEndpoint parses a remote URL such as
// https://host/projects/app.git into an endpoint.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("remote URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse remote URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("remote URL scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("remote URL must include a host")
	}

	repoPath := path.Clean("/" + u.Path)
	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	base := url.URL{Scheme: u.Scheme, Host: u.Host}
	return Endpoint{
		Raw:      raw,
		BaseURL:  base.String(),
		RepoPath: repoPath,
		user:     user,
		pass:     pass,
	}, nil
}

func (e Endpoint) serviceURL(suffix string) string {
	return e.BaseURL + strings.TrimSuffix(e.RepoPath, "/") + suffix
}

// RefUpdate is one ref command of a push. A zero Old creates the ref, a
// zero New deletes it.
type RefUpdate struct {
	Name string
	Old  object.Hash
	New  object.Hash
}

// ClientOptions configures the remote protocol client.
type ClientOptions struct {
	Timeout     time.Duration // HTTP client timeout (default 60s)
	MaxAttempts int           // retry attempts (default 3)
	// Encoding compresses request bodies: "gzip" (default), "zstd" or
	// "identity".
	Encoding string
	Token    string
}

// Response limits per endpoint type.
const (
	responseLimitDefault = 2 << 20 // 2MB
	responseLimitRefs    = 8 << 20 // 8MB
)

// Client speaks the smart HTTP protocol to one repository.
type Client struct {
	endpoint    Endpoint
	httpClient  *http.Client
	token       string
	user        string
	pass        string
	encoding    string
	maxAttempts int
}

// NewClient creates a client with default options. Credentials in the URL
// are sent as basic auth.
func NewClient(remoteURL string) (*Client, error) {
	return NewClientWithOptions(remoteURL, ClientOptions{})
}

// NewClientWithOptions creates a client with configurable options.
// Zero-value or negative fields in opts receive defaults.
func NewClientWithOptions(remoteURL string, opts ClientOptions) (*Client, error) {
	endpoint, err := ParseEndpoint(remoteURL)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Encoding == "" {
		opts.Encoding = encodingGzip
	}
	if !validEncoding(opts.Encoding) {
		return nil, fmt.Errorf("unsupported request encoding %q", opts.Encoding)
	}

	return &Client{
		endpoint:    endpoint,
		httpClient:  &http.Client{Timeout: opts.Timeout},
		token:       strings.TrimSpace(opts.Token),
		user:        endpoint.user,
		pass:        endpoint.pass,
		encoding:    opts.Encoding,
		maxAttempts: opts.MaxAttempts,
	}, nil
}

// Endpoint returns the parsed endpoint metadata.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Advertisement is a parsed ref advertisement.
type Advertisement struct {
	Refs         map[string]object.Hash
	Capabilities protocol.Capabilities
	// Head is the target of the HEAD symref, when advertised.
	Head string
}

// ListRefs returns the refs the server advertises for fetching.
func (c *Client) ListRefs(ctx context.Context) (*Advertisement, error) {
	return c.advertisement(ctx, protocol.UploadPack)
}

func (c *Client) advertisement(ctx context.Context, svc protocol.ServiceType) (*Advertisement, error) {
	u := c.endpoint.serviceURL("/info/refs") + "?service=" + svc.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.doWithLimit(req, http.StatusOK, responseLimitRefs, fmt.Sprintf("application/x-%s-advertisement", svc))
	if err != nil {
		return nil, err
	}
	return parseAdvertisement(bytes.NewReader(body), svc)
}

func parseAdvertisement(r io.Reader, svc protocol.ServiceType) (*Advertisement, error) {
	pr := protocol.NewPktReader(r)
	line, _, err := pr.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read advertisement: %w", err)
	}
	if line != "# service="+svc.String() {
		return nil, fmt.Errorf("%w: unexpected advertisement preamble %q", protocol.ErrProtocol, line)
	}
	if _, flush, err := pr.ReadPacket(); err != nil || !flush {
		return nil, fmt.Errorf("%w: missing flush after service line", protocol.ErrProtocol)
	}

	adv := &Advertisement{Refs: make(map[string]object.Hash)}
	for first := true; ; first = false {
		line, flush, err := pr.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("read advertisement: %w", err)
		}
		if flush {
			return adv, nil
		}
		if strings.HasPrefix(line, "ERR ") {
			return nil, &RemoteError{Code: "protocol", Message: strings.TrimPrefix(line, "ERR ")}
		}
		if first {
			var caps string
			line, caps, _ = strings.Cut(line, "\x00")
			adv.Capabilities = protocol.ParseCapabilities(caps)
			for _, tok := range strings.Fields(caps) {
				if target, ok := strings.CutPrefix(tok, "symref=HEAD:"); ok {
					adv.Head = target
				}
			}
		}
		id, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("%w: malformed ref line %q", protocol.ErrProtocol, line)
		}
		if name == "capabilities^{}" {
			continue
		}
		h, err := object.ParseHash(id)
		if err != nil {
			return nil, fmt.Errorf("invalid hash for ref %q: %w", name, err)
		}
		adv.Refs[name] = h
	}
}

// PushResult is the server's report for one push.
type PushResult struct {
	Unpack string
	// Refs maps each pushed ref to "" when it was updated, or to the
	// rejection reason.
	Refs     map[string]string
	Progress []string
}

// Err summarizes an unpack failure or rejected refs as an error.
func (r *PushResult) Err() error {
	if r.Unpack != "ok" {
		return fmt.Errorf("remote unpack failed: %s", r.Unpack)
	}
	var rejected []string
	for name, reason := range r.Refs {
		if reason != "" {
			rejected = append(rejected, name+" ("+reason+")")
		}
	}
	if len(rejected) > 0 {
		return fmt.Errorf("remote rejected %s", strings.Join(rejected, ", "))
	}
	return nil
}

// Push sends ref commands followed by a pack of records.
func (c *Client) Push(ctx context.Context, updates []RefUpdate, records []object.Record) (*PushResult, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("at least one ref update is required")
	}

	var body bytes.Buffer
	pw := protocol.NewPktWriter(&body)
	needPack := false
	for i, u := range updates {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return nil, fmt.Errorf("ref update name is required")
		}
		line := fmt.Sprintf("%s %s %s", zeroIfEmpty(u.Old), zeroIfEmpty(u.New), name)
		if i == 0 {
			line += "\x00report-status side-band-64k ofs-delta " + clientAgent
		}
		if err := pw.Writef("%s\n", line); err != nil {
			return nil, err
		}
		needPack = needPack || !u.New.IsZero()
	}
	if err := pw.Flush(); err != nil {
		return nil, err
	}
	if needPack {
		if _, err := object.WritePack(&body, records); err != nil {
			return nil, fmt.Errorf("encode pack: %w", err)
		}
	}

	resp, err := c.rpc(ctx, protocol.ReceivePack, body.Bytes())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &PushResult{Refs: make(map[string]string, len(updates))}
	report := protocol.NewSidebandDataReader(resp.Body, func(msg string) {
		result.Progress = append(result.Progress, msg)
	})
	if err := parseReport(report, result); err != nil {
		return nil, err
	}
	return result, nil
}

func parseReport(r io.Reader, result *PushResult) error {
	pr := protocol.NewPktReader(r)
	for {
		line, flush, err := pr.ReadLine()
		if err != nil {
			return fmt.Errorf("read push report: %w", err)
		}
		if flush {
			return nil
		}
		switch {
		case strings.HasPrefix(line, "unpack "):
			result.Unpack = strings.TrimPrefix(line, "unpack ")
		case strings.HasPrefix(line, "ok "):
			result.Refs[strings.TrimPrefix(line, "ok ")] = ""
		case strings.HasPrefix(line, "ng "):
			name, reason, _ := strings.Cut(strings.TrimPrefix(line, "ng "), " ")
			result.Refs[name] = reason
		default:
			return fmt.Errorf("%w: unexpected report line %q", protocol.ErrProtocol, line)
		}
	}
}

// Fetch downloads every object reachable from wants and not from haves
// the server knows.
func (c *Client) Fetch(ctx context.Context, wants, haves []object.Hash) ([]object.Record, error) {
	if len(wants) == 0 {
		return nil, fmt.Errorf("at least one want hash is required")
	}

	var body bytes.Buffer
	pw := protocol.NewPktWriter(&body)
	for i, w := range wants {
		line := "want " + w.String()
		if i == 0 {
			line += " side-band-64k ofs-delta " + clientAgent
		}
		if err := pw.Writef("%s\n", line); err != nil {
			return nil, err
		}
	}
	if err := pw.Flush(); err != nil {
		return nil, err
	}
	for _, h := range haves {
		if err := pw.Writef("have %s\n", h); err != nil {
			return nil, err
		}
	}
	if err := pw.Writef("done\n"); err != nil {
		return nil, err
	}

	resp, err := c.rpc(ctx, protocol.UploadPack, body.Bytes())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	br := bufio.NewReader(resp.Body)
	pr := protocol.NewPktReader(br)
	line, _, err := pr.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read acknowledgement: %w", err)
	}
	if msg, ok := strings.CutPrefix(line, "ERR "); ok {
		return nil, &RemoteError{Code: "protocol", Message: msg}
	}
	if line != "NAK" && !strings.HasPrefix(line, "ACK ") {
		return nil, fmt.Errorf("%w: unexpected acknowledgement %q", protocol.ErrProtocol, line)
	}

	pack := protocol.NewSidebandDataReader(br, nil)
	pf, err := object.ReadPackStream(pack)
	if err != nil {
		return nil, fmt.Errorf("read pack: %w", err)
	}
	return object.ResolvePackEntries(pf.Entries, nil)
}

func (c *Client) rpc(ctx context.Context, svc protocol.ServiceType, payload []byte) (*http.Response, error) {
	encoded, err := encodeBody(c.encoding, payload)
	if err != nil {
		return nil, fmt.Errorf("compress request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.serviceURL("/"+svc.String()), bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", fmt.Sprintf("application/x-%s-request", svc))
	req.Header.Set("Accept", fmt.Sprintf("application/x-%s-result", svc))
	if c.encoding != encodingIdentity {
		req.Header.Set("Content-Encoding", c.encoding)
	}
	c.applyAuth(req)

	resp, err := retryDo(c.httpClient, req, c.maxAttempts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, responseLimitDefault))
		return nil, requestError(req, resp.StatusCode, body)
	}
	return resp, nil
}

// CreateFile adds a file or directory to the monorepo through the JSON API.
func (c *Client) CreateFile(ctx context.Context, info monorepo.CreateFileInfo) (object.Hash, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.BaseURL+"/api/v1/files", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.doWithLimit(req, http.StatusOK, responseLimitDefault, "application/json")
	if err != nil {
		return "", err
	}
	var resp struct {
		CommitID string `json:"commit_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode create file response: %w", err)
	}
	return object.ParseHash(resp.CommitID)
}

func (c *Client) doWithLimit(req *http.Request, expectedStatus int, maxBytes int64, expectedContentType string) ([]byte, error) {
	c.applyAuth(req)
	resp, err := retryDo(c.httpClient, req, c.maxAttempts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode != expectedStatus {
		return nil, requestError(req, resp.StatusCode, body)
	}

	// Validate content type on success responses before returning body.
	if expectedContentType != "" {
		ct := resp.Header.Get("Content-Type")
		if ct != "" && !strings.HasPrefix(ct, expectedContentType) {
			return nil, fmt.Errorf("unexpected content type %q (expected %s) from %s %s (status %d)",
				ct, expectedContentType, req.Method, req.URL.Path, resp.StatusCode)
		}
	}
	return body, nil
}

func requestError(req *http.Request, status int, body []byte) error {
	if re := tryParseRemoteError(body); re != nil {
		re.Status = status
		return re
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &RemoteError{
		Status:  status,
		Code:    strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_"),
		Message: fmt.Sprintf("%s %s: %s", req.Method, req.URL.Path, msg),
	}
}

func (c *Client) applyAuth(req *http.Request) {
	req.Header.Set("User-Agent", strings.TrimPrefix(clientAgent, "agent="))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return
	}
	if strings.TrimSpace(c.user) != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
}

func zeroIfEmpty(h object.Hash) object.Hash {
	if h.IsZero() {
		return object.ZeroHash
	}
	return h
}
