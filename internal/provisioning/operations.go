package provisioning

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// principalHeader carries the certificate ARN on principal attach/detach
// calls, which take no request body.
const principalHeader = "x-amzn-principal"

// Thing is one registered device on the control plane.
type Thing struct {
	ThingName string `json:"thingName"`
	ThingArn  string `json:"thingArn"`
	ThingID   string `json:"thingId"`
	Version   int64  `json:"version"`
}

// Certificate is freshly issued certificate material. The private key is
// returned exactly once, at creation.
type Certificate struct {
	CertificateArn string `json:"certificateArn"`
	CertificateID  string `json:"certificateId"`
	CertificatePem string `json:"certificatePem"`
	KeyPair        struct {
		PublicKey  string `json:"PublicKey"`
		PrivateKey string `json:"PrivateKey"`
	} `json:"keyPair"`
}

// CertificateDescription is the control plane's view of an issued
// certificate.
type CertificateDescription struct {
	CertificateArn string `json:"certificateArn"`
	CertificateID  string `json:"certificateId"`
	Status         string `json:"status"`
}

// CreateThing registers a thing name on the control plane.
func (c *Client) CreateThing(ctx context.Context, name string) (Thing, error) {
	var thing Thing
	err := c.do(ctx, http.MethodPost, "/things/"+url.PathEscape(name), nil, nil,
		map[string]any{}, &thing)
	if err != nil {
		return Thing{}, fmt.Errorf("creating thing %s: %w", name, err)
	}
	return thing, nil
}

// DeleteThing removes a thing. The control plane rejects the call while
// principals are still attached.
func (c *Client) DeleteThing(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/things/"+url.PathEscape(name), nil, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("deleting thing %s: %w", name, err)
	}
	return nil
}

// ListThings returns every registered thing name, following pagination.
func (c *Client) ListThings(ctx context.Context) ([]string, error) {
	var names []string
	token := ""

	for {
		query := url.Values{"maxResults": []string{"250"}}
		if token != "" {
			query.Set("nextToken", token)
		}

		var page struct {
			Things []struct {
				ThingName string `json:"thingName"`
			} `json:"things"`
			NextToken string `json:"nextToken"`
		}
		if err := c.do(ctx, http.MethodGet, "/things", query, nil, nil, &page); err != nil {
			return nil, fmt.Errorf("listing things: %w", err)
		}

		for _, thing := range page.Things {
			names = append(names, thing.ThingName)
		}
		if page.NextToken == "" {
			return names, nil
		}
		token = page.NextToken
	}
}

// CreateKeysAndCertificate issues a fresh certificate and key pair, already
// activated. The private key in the response is the only copy that will
// ever exist; the caller must persist it immediately.
func (c *Client) CreateKeysAndCertificate(ctx context.Context) (Certificate, error) {
	query := url.Values{"setAsActive": []string{"true"}}

	var cert Certificate
	err := c.do(ctx, http.MethodPost, "/keys-and-certificate", query, nil, nil, &cert)
	if err != nil {
		return Certificate{}, fmt.Errorf("creating certificate: %w", err)
	}
	return cert, nil
}

// AttachThingPrincipal binds a certificate to a thing.
func (c *Client) AttachThingPrincipal(ctx context.Context, thingName, certificateArn string) error {
	headers := http.Header{principalHeader: []string{certificateArn}}
	err := c.do(ctx, http.MethodPut,
		"/things/"+url.PathEscape(thingName)+"/principals", nil, headers, nil, nil)
	if err != nil {
		return fmt.Errorf("attaching principal to %s: %w", thingName, err)
	}
	return nil
}

// DetachThingPrincipal unbinds a certificate from a thing.
func (c *Client) DetachThingPrincipal(ctx context.Context, thingName, certificateArn string) error {
	headers := http.Header{principalHeader: []string{certificateArn}}
	err := c.do(ctx, http.MethodDelete,
		"/things/"+url.PathEscape(thingName)+"/principals", nil, headers, nil, nil)
	if err != nil {
		return fmt.Errorf("detaching principal from %s: %w", thingName, err)
	}
	return nil
}

// ListThingPrincipals returns the certificate ARNs attached to a thing.
func (c *Client) ListThingPrincipals(ctx context.Context, thingName string) ([]string, error) {
	var resp struct {
		Principals []string `json:"principals"`
	}
	err := c.do(ctx, http.MethodGet,
		"/things/"+url.PathEscape(thingName)+"/principals", nil, nil, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("listing principals of %s: %w", thingName, err)
	}
	return resp.Principals, nil
}

// AttachPolicy attaches a named policy to a certificate so the device may
// connect and exchange shadow traffic.
func (c *Client) AttachPolicy(ctx context.Context, policyName, targetArn string) error {
	err := c.do(ctx, http.MethodPut,
		"/target-policies/"+url.PathEscape(policyName), nil, nil,
		map[string]string{"target": targetArn}, nil)
	if err != nil {
		return fmt.Errorf("attaching policy %s: %w", policyName, err)
	}
	return nil
}

// DescribeCertificate returns the control plane's view of a certificate.
func (c *Client) DescribeCertificate(ctx context.Context, certificateID string) (CertificateDescription, error) {
	var resp struct {
		CertificateDescription CertificateDescription `json:"certificateDescription"`
	}
	err := c.do(ctx, http.MethodGet,
		"/certificates/"+url.PathEscape(certificateID), nil, nil, nil, &resp)
	if err != nil {
		return CertificateDescription{}, fmt.Errorf("describing certificate %s: %w", certificateID, err)
	}
	return resp.CertificateDescription, nil
}

// UpdateCertificate transitions a certificate's status, e.g. to INACTIVE
// before deletion.
func (c *Client) UpdateCertificate(ctx context.Context, certificateID, status string) error {
	query := url.Values{"newStatus": []string{status}}
	err := c.do(ctx, http.MethodPut,
		"/certificates/"+url.PathEscape(certificateID), query, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("updating certificate %s: %w", certificateID, err)
	}
	return nil
}

// DeleteCertificate removes a certificate. The certificate must be INACTIVE
// and detached from every thing first.
func (c *Client) DeleteCertificate(ctx context.Context, certificateID string) error {
	err := c.do(ctx, http.MethodDelete,
		"/certificates/"+url.PathEscape(certificateID), nil, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("deleting certificate %s: %w", certificateID, err)
	}
	return nil
}

// DescribeEndpoint discovers the account's data endpoint, the broker
// hostname devices connect to.
func (c *Client) DescribeEndpoint(ctx context.Context) (string, error) {
	query := url.Values{"endpointType": []string{"iot:Data-ATS"}}

	var resp struct {
		EndpointAddress string `json:"endpointAddress"`
	}
	if err := c.do(ctx, http.MethodGet, "/endpoint", query, nil, nil, &resp); err != nil {
		return "", fmt.Errorf("describing endpoint: %w", err)
	}
	return resp.EndpointAddress, nil
}
