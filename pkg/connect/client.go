// Package connect talks to the App Store Connect provisioning API. Client
// implements provision.DeveloperServices.
package connect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/aluedeke/go-provision/pkg/provision"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.appstoreconnect.apple.com/v1"

const pageLimit = "200"

// Authorizer supplies bearer tokens.
type Authorizer interface {
	Bearer() (string, error)
}

// Client is an App Store Connect API client.
type Client struct {
	BaseURL string
	Auth    Authorizer
	HTTP    *http.Client
}

// New returns a client for the production API.
func New(auth Authorizer) *Client {
	return &Client{
		BaseURL: DefaultBaseURL,
		Auth:    auth,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

var _ provision.DeveloperServices = (*Client)(nil)

func (c *Client) endpoint(path string, query url.Values) string {
	u := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends a request and returns the status and body. Transport failures
// wrap provision.ErrConnectivity.
func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create http %s request: %w", method, err)
	}
	token, err := c.Auth.Bearer()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%s %s: %w: %w", method, req.URL.Path, provision.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w: %w", provision.ErrConnectivity, err)
	}
	log.WithFields(log.Fields{"method": method, "path": req.URL.Path, "status": resp.StatusCode}).Debug("api request")
	return resp.StatusCode, data, nil
}

// decode unmarshals a JSON body. Bodies that are not JSON at all (such as
// an HTML error page from a proxy) are unrecognized; JSON that does not fit
// the expected shape is malformed.
func decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		if !json.Valid(data) {
			return fmt.Errorf("%w: %.64q", provision.ErrUnrecognizedResponse, data)
		}
		return fmt.Errorf("%w: %v", provision.ErrMalformedResponse, err)
	}
	return nil
}

func unexpected(op string, status int, data []byte) error {
	var eresp errorResponse
	_ = json.Unmarshal(data, &eresp)
	return &provision.UnexpectedStatusError{Operation: op, StatusCode: status, Detail: eresp.String()}
}

// get fetches either the first page at path or the cursor URL.
func (c *Client) get(ctx context.Context, op, path string, query url.Values, cursor string, v interface{}) error {
	target := cursor
	if target == "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("limit", pageLimit)
		target = c.endpoint(path, query)
	}
	status, data, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if status != http.StatusOK {
		return unexpected(op, status, data)
	}
	if err := decode(data, v); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListCertificates returns a page of the team's certificates.
func (c *Client) ListCertificates(ctx context.Context, cursor string) (provision.Page[provision.Certificate], error) {
	var resp certificatesResponse
	if err := c.get(ctx, "list certificates", "/certificates", nil, cursor, &resp); err != nil {
		return provision.Page[provision.Certificate]{}, err
	}
	page := provision.Page[provision.Certificate]{Next: resp.Links.Next}
	for _, cert := range resp.Data {
		page.Items = append(page.Items, toCertificate(cert))
	}
	return page, nil
}

func toCertificate(c certificate) provision.Certificate {
	out := provision.Certificate{
		ID:              c.ID,
		Name:            c.Attributes.Name,
		SerialNumber:    c.Attributes.SerialNumber,
		CertificateType: c.Attributes.CertificateType,
		Content:         c.Attributes.CertificateContent,
	}
	if c.Attributes.ExpirationDate != nil {
		t := time.Time(*c.Attributes.ExpirationDate)
		out.ExpirationDate = &t
	}
	return out
}

// CreateCertificate submits a CSR for a new certificate.
func (c *Client) CreateCertificate(ctx context.Context, certificateType string, csr []byte) (*provision.Certificate, int, error) {
	var req certificateCreateRequest
	req.Data.Type = "certificates"
	req.Data.Attributes.CertificateType = certificateType
	req.Data.Attributes.CSRContent = base64.StdEncoding.EncodeToString(csr)

	status, data, err := c.do(ctx, http.MethodPost, c.endpoint("/certificates", nil), &req)
	if err != nil {
		return nil, 0, err
	}
	switch status {
	case http.StatusCreated:
		var resp certificateResponse
		if err := decode(data, &resp); err != nil {
			return nil, status, err
		}
		cert := toCertificate(resp.Data)
		return &cert, status, nil
	case http.StatusConflict:
		return nil, status, nil
	}
	return nil, status, unexpected("create certificate", status, data)
}

// RevokeCertificate revokes a certificate by resource id.
func (c *Client) RevokeCertificate(ctx context.Context, id string) error {
	return c.delete(ctx, "revoke certificate", "/certificates/"+url.PathEscape(id))
}

// ListDevices returns a page of registered devices.
func (c *Client) ListDevices(ctx context.Context, cursor string) (provision.Page[provision.Device], error) {
	var resp devicesResponse
	if err := c.get(ctx, "list devices", "/devices", nil, cursor, &resp); err != nil {
		return provision.Page[provision.Device]{}, err
	}
	page := provision.Page[provision.Device]{Next: resp.Links.Next}
	for _, d := range resp.Data {
		page.Items = append(page.Items, provision.Device{
			ID:          d.ID,
			UDID:        d.Attributes.UDID,
			Name:        d.Attributes.Name,
			Status:      d.Attributes.Status,
			Platform:    d.Attributes.Platform,
			DeviceClass: d.Attributes.DeviceClass,
		})
	}
	return page, nil
}

// CreateDevice registers a device.
func (c *Client) CreateDevice(ctx context.Context, name, udid string, platform provision.Platform) (int, error) {
	var req deviceCreateRequest
	req.Data.Type = "devices"
	req.Data.Attributes.Name = name
	req.Data.Attributes.UDID = udid
	req.Data.Attributes.Platform = platform.APIName()
	return c.create(ctx, "register device", "/devices", &req)
}

// EnableDevice sets a device's status to enabled.
func (c *Client) EnableDevice(ctx context.Context, id string) error {
	var req deviceUpdateRequest
	req.Data.Type = "devices"
	req.Data.ID = id
	req.Data.Attributes.Status = provision.DeviceEnabled

	status, data, err := c.do(ctx, http.MethodPatch, c.endpoint("/devices/"+url.PathEscape(id), nil), &req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return unexpected("enable device", status, data)
	}
	return nil
}

// ListBundleIDs returns a page of app ids whose identifier starts with
// identifier, with their linked profiles.
func (c *Client) ListBundleIDs(ctx context.Context, identifier, cursor string) (provision.Page[provision.BundleID], error) {
	query := url.Values{}
	query.Set("filter[identifier]", identifier)
	query.Set("include", "profiles")

	var resp bundleIDsResponse
	if err := c.get(ctx, "list bundle ids", "/bundleIds", query, cursor, &resp); err != nil {
		return provision.Page[provision.BundleID]{}, err
	}
	page := provision.Page[provision.BundleID]{Next: resp.Links.Next}
	for _, b := range resp.Data {
		id := provision.BundleID{
			ID:         b.ID,
			Identifier: b.Attributes.Identifier,
			Name:       b.Attributes.Name,
			Platform:   b.Attributes.Platform,
		}
		for _, ref := range b.Relationships.Profiles.Data {
			id.ProfileIDs = append(id.ProfileIDs, ref.ID)
		}
		page.Items = append(page.Items, id)
	}
	return page, nil
}

// CreateBundleID registers an explicit app id.
func (c *Client) CreateBundleID(ctx context.Context, identifier, name string, platform provision.Platform) (int, error) {
	var req bundleIDCreateRequest
	req.Data.Type = "bundleIds"
	req.Data.Attributes.Identifier = identifier
	req.Data.Attributes.Name = name
	req.Data.Attributes.Platform = platform.APIName()
	return c.create(ctx, "register app id", "/bundleIds", &req)
}

// CreateProfile mints a development profile.
func (c *Client) CreateProfile(ctx context.Context, p provision.ProfileRequest) (*provision.Profile, error) {
	var req profileCreateRequest
	req.Data.Type = "profiles"
	req.Data.Attributes.Name = p.Name
	req.Data.Attributes.ProfileType = p.Platform.ProfileType()
	req.Data.Relationships.BundleID.Data = resourceRef{Type: "bundleIds", ID: p.BundleIDID}
	req.Data.Relationships.Certificates = refs("certificates", p.CertificateIDs)
	req.Data.Relationships.Devices = refs("devices", p.DeviceIDs)

	status, data, err := c.do(ctx, http.MethodPost, c.endpoint("/profiles", nil), &req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, unexpected("create profile", status, data)
	}
	var resp profileResponse
	if err := decode(data, &resp); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return &provision.Profile{
		ID:      resp.Data.ID,
		Name:    resp.Data.Attributes.Name,
		Content: resp.Data.Attributes.ProfileContent,
	}, nil
}

// DeleteProfile deletes a profile by resource id.
func (c *Client) DeleteProfile(ctx context.Context, id string) error {
	return c.delete(ctx, "delete profile", "/profiles/"+url.PathEscape(id))
}

func (c *Client) create(ctx context.Context, op, path string, body interface{}) (int, error) {
	status, data, err := c.do(ctx, http.MethodPost, c.endpoint(path, nil), body)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusCreated, http.StatusConflict:
		return status, nil
	}
	return status, unexpected(op, status, data)
}

func (c *Client) delete(ctx context.Context, op, path string) error {
	status, data, err := c.do(ctx, http.MethodDelete, c.endpoint(path, nil), nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return unexpected(op, status, data)
	}
	return nil
}
