package provisioning

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File permissions for persisted certificate material.
const (
	certDirPermissions  = 0750
	certFilePermissions = 0600
	keyFilePermissions  = 0600
)

// DeviceResult is the outcome of provisioning one device.
type DeviceResult struct {
	ThingName      string
	CertificateID  string
	CertificateArn string
	CertPath       string
	KeyPath        string
}

// BatchResult reports a multi-device operation. Partial failure is a normal
// outcome: Succeeded lists the devices that completed, Errors carries one
// entry per device that did not.
type BatchResult struct {
	Succeeded []string
	Errors    map[string]error
}

// OK reports whether every device in the batch succeeded.
func (r BatchResult) OK() bool {
	return len(r.Errors) == 0
}

// Provisioner drives the multi-step device lifecycle on top of the raw
// control-plane client: create thing, issue certificate, attach principal
// and policy, persist the key material locally.
//
// Steps are not transactional. When a later step fails the earlier ones are
// left in place and reported, never rolled back: a thing without an attached
// certificate is visible on the control plane and trivially deleted, while
// an automatic rollback that itself fails would hide what happened.
type Provisioner struct {
	client     *Client
	certsDir   string
	policyName string
	logger     Logger
}

// NewProvisioner creates a provisioner.
//
// Parameters:
//   - client: Control-plane client
//   - certsDir: Directory for persisted certificate material
//   - policyName: Policy attached to each fresh certificate
//   - logger: Logging sink (nil for none)
func NewProvisioner(client *Client, certsDir, policyName string, logger Logger) *Provisioner {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Provisioner{
		client:     client,
		certsDir:   certsDir,
		policyName: policyName,
		logger:     logger,
	}
}

// CreateDeviceWithCertificate provisions one device end to end: thing,
// certificate, principal attachment, policy attachment, and local PEM files
// ({certsDir}/{name}.pem and {name}-key.pem).
func (p *Provisioner) CreateDeviceWithCertificate(ctx context.Context, name string) (DeviceResult, error) {
	if _, err := p.client.CreateThing(ctx, name); err != nil {
		return DeviceResult{}, err
	}

	cert, err := p.client.CreateKeysAndCertificate(ctx)
	if err != nil {
		return DeviceResult{}, fmt.Errorf("thing %s created but certificate issuance failed: %w", name, err)
	}

	// Persist the key material before any further network step: the private
	// key only ever exists in this response.
	certPath, keyPath, err := p.writeCertificateFiles(name, cert)
	if err != nil {
		return DeviceResult{}, err
	}

	if err := p.client.AttachThingPrincipal(ctx, name, cert.CertificateArn); err != nil {
		return DeviceResult{}, fmt.Errorf("certificate %s issued but not attached: %w", cert.CertificateID, err)
	}
	if err := p.client.AttachPolicy(ctx, p.policyName, cert.CertificateArn); err != nil {
		return DeviceResult{}, fmt.Errorf("certificate %s attached but policy missing: %w", cert.CertificateID, err)
	}

	p.logger.Debug("device provisioned",
		"thing_name", name,
		"certificate_id", cert.CertificateID,
	)
	return DeviceResult{
		ThingName:      name,
		CertificateID:  cert.CertificateID,
		CertificateArn: cert.CertificateArn,
		CertPath:       certPath,
		KeyPath:        keyPath,
	}, nil
}

// DeleteDeviceWithCertificates removes a device and every certificate
// attached to it: detach, deactivate, delete certificate, delete thing,
// remove local PEM files. Local file removal is best effort.
func (p *Provisioner) DeleteDeviceWithCertificates(ctx context.Context, name string) error {
	principals, err := p.client.ListThingPrincipals(ctx, name)
	if err != nil {
		// A thing that is already gone makes deletion a no-op; only the
		// local files remain to clean up.
		if IsNotFound(err) {
			p.logger.Debug("thing already absent", "thing_name", name)
			p.removeCertificateFiles(name)
			return nil
		}
		return err
	}

	for _, arn := range principals {
		certificateID := certificateIDFromArn(arn)

		if err := p.client.DetachThingPrincipal(ctx, name, arn); err != nil {
			return err
		}
		if certificateID == "" {
			p.logger.Warn("principal is not a certificate, skipping deletion",
				"thing_name", name,
				"principal", arn,
			)
			continue
		}
		if err := p.client.UpdateCertificate(ctx, certificateID, "INACTIVE"); err != nil {
			return err
		}
		if err := p.client.DeleteCertificate(ctx, certificateID); err != nil {
			return err
		}
	}

	if err := p.client.DeleteThing(ctx, name); err != nil {
		return err
	}

	p.removeCertificateFiles(name)
	return nil
}

// removeCertificateFiles deletes a device's local PEM files, best effort.
func (p *Provisioner) removeCertificateFiles(name string) {
	for _, path := range []string{
		filepath.Join(p.certsDir, name+".pem"),
		filepath.Join(p.certsDir, name+"-key.pem"),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("removing certificate file failed", "path", path, "error", err)
		}
	}
}

// CreateRack provisions a full rack: one master plus lockCount locks named
// {env}-{rack}-MASTER and {env}-{rack}-LOCK01..NN. Devices that fail leave
// the rest of the batch untouched.
func (p *Provisioner) CreateRack(ctx context.Context, env, rack string, lockCount int) BatchResult {
	result := BatchResult{Errors: make(map[string]error)}

	for _, name := range RackDeviceNames(env, rack, lockCount) {
		if _, err := p.CreateDeviceWithCertificate(ctx, name); err != nil {
			result.Errors[name] = err
			continue
		}
		result.Succeeded = append(result.Succeeded, name)
	}
	return result
}

// DeleteRack deletes a full rack's devices, continuing past individual
// failures.
func (p *Provisioner) DeleteRack(ctx context.Context, env, rack string, lockCount int) BatchResult {
	result := BatchResult{Errors: make(map[string]error)}

	for _, name := range RackDeviceNames(env, rack, lockCount) {
		if err := p.DeleteDeviceWithCertificates(ctx, name); err != nil {
			result.Errors[name] = err
			continue
		}
		result.Succeeded = append(result.Succeeded, name)
	}
	return result
}

// RackDeviceNames returns the device names of a rack: the master first,
// then LOCK01..NN.
func RackDeviceNames(env, rack string, lockCount int) []string {
	names := make([]string, 0, lockCount+1)
	names = append(names, fmt.Sprintf("%s-%s-MASTER", env, rack))
	for i := 1; i <= lockCount; i++ {
		names = append(names, fmt.Sprintf("%s-%s-LOCK%02d", env, rack, i))
	}
	return names
}

// writeCertificateFiles persists issued material using the deterministic
// layout the credential source resolves.
func (p *Provisioner) writeCertificateFiles(name string, cert Certificate) (string, string, error) {
	if err := os.MkdirAll(p.certsDir, certDirPermissions); err != nil {
		return "", "", fmt.Errorf("creating certificate directory: %w", err)
	}

	certPath := filepath.Join(p.certsDir, name+".pem")
	if err := os.WriteFile(certPath, []byte(cert.CertificatePem), certFilePermissions); err != nil {
		return "", "", fmt.Errorf("writing certificate for %s: %w", name, err)
	}

	keyPath := filepath.Join(p.certsDir, name+"-key.pem")
	if err := os.WriteFile(keyPath, []byte(cert.KeyPair.PrivateKey), keyFilePermissions); err != nil {
		return "", "", fmt.Errorf("writing private key for %s: %w", name, err)
	}
	return certPath, keyPath, nil
}

// certificateIDFromArn extracts the certificate id from an ARN of the form
// arn:aws:iot:{region}:{account}:cert/{id}. Returns "" for other principal
// kinds.
func certificateIDFromArn(arn string) string {
	const marker = ":cert/"
	if idx := strings.LastIndex(arn, marker); idx >= 0 {
		return arn[idx+len(marker):]
	}
	return ""
}
