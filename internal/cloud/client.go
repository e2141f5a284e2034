package cloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/sirupsen/logrus"

	"github.com/runnerforge/fleet/internal/config"
	"github.com/runnerforge/fleet/internal/retrypolicy"
	"github.com/runnerforge/fleet/internal/stringid"
)

const (
	// launchPollInterval is how often LaunchInstance polls server status.
	launchPollInterval = 5 * time.Second
	// launchTimeout bounds LaunchInstance's poll loop (spec.md §4.1 "~10 min").
	launchTimeout = 10 * time.Minute
	// sshDialTimeout bounds a single SSH connection attempt (spec.md §5
	// "SSH connect: up to 30 seconds with retries").
	sshDialTimeout = 30 * time.Second
)

// Client is the typed wrapper over the OpenStack compute API (spec.md §4.1).
type Client struct {
	compute    *gophercloud.ServiceClient
	keyfiles   *keyfileStore
	prefix     string
	region     string
	log        *logrus.Logger
	retry      retrypolicy.Policy
}

// NewClient authenticates against OpenStack using the credentials record from
// spec.md §6 and returns a ready-to-use Client.
func NewClient(cfg *config.Config, log *logrus.Logger) (*Client, error) {
	ao := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.OpenStack.AuthURL,
		Username:         cfg.OpenStack.Username,
		Password:         cfg.OpenStack.Password,
		TenantName:       cfg.OpenStack.Project,
		DomainName:       cfg.OpenStack.UserDomain,
		AllowReauth:      true,
	}

	provider, err := openstack.AuthenticatedClient(ao)
	if err != nil {
		return nil, fmt.Errorf("authenticate to openstack: %w", err)
	}

	compute, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: cfg.OpenStack.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create compute client: %w", err)
	}

	keyfiles, err := newKeyfileStore(cfg.SystemUser)
	if err != nil {
		return nil, fmt.Errorf("init keyfile store: %w", err)
	}

	return &Client{
		compute:  compute,
		keyfiles: keyfiles,
		prefix:   cfg.Prefix,
		region:   cfg.OpenStack.Region,
		log:      log,
		retry:    retrypolicy.Default,
	}, nil
}

// NewInstanceID generates a fresh InstanceId embedding this client's prefix
// (spec.md §3).
func (c *Client) NewInstanceID() InstanceId {
	return InstanceId(fmt.Sprintf("%s-%s", c.prefix, stringid.New()))
}

// LaunchInstance creates a keypair, launches the server, and blocks until the
// cloud reports it in a terminal state or the launch times out (spec.md
// §4.1 "Launch contract"). On timeout the partial instance and keypair are
// deleted and the error is surfaced; creation is not retried internally.
func (c *Client) LaunchInstance(ctx context.Context, id InstanceId, image, flavor, network, userdata string) (CloudInstance, error) {
	name := string(id)

	kp, err := keypairs.Create(c.compute, keypairs.CreateOpts{Name: name}).Extract()
	if err != nil {
		return CloudInstance{}, fmt.Errorf("create keypair for %s: %w", id, err)
	}
	if err := c.keyfiles.Write(id, []byte(kp.PrivateKey)); err != nil {
		_ = keypairs.Delete(c.compute, name, nil)
		return CloudInstance{}, fmt.Errorf("persist private key for %s: %w", id, err)
	}

	var server *servers.Server
	err = c.retry.Do(ctx, func() error {
		server, err = servers.Create(c.compute, servers.CreateOpts{
			Name:      name,
			ImageRef:  image,
			FlavorRef: flavor,
			Networks:  []servers.Network{{UUID: network}},
			UserData:  []byte(userdata),
			KeyName:   name,
		}, nil).Extract()
		return wrapTransient(err)
	})
	if err != nil {
		_ = keypairs.Delete(c.compute, name, nil)
		_ = c.keyfiles.Delete(id)
		return CloudInstance{}, fmt.Errorf("create server for %s: %w", id, err)
	}

	instance, err := c.pollUntilTerminal(ctx, id, server.ID)
	if err != nil {
		_ = c.DeleteInstance(ctx, id)
		_ = c.DeleteKeyMaterial(ctx, id)
		return CloudInstance{}, err
	}

	return instance, nil
}

func (c *Client) pollUntilTerminal(ctx context.Context, id InstanceId, serverID string) (CloudInstance, error) {
	deadline := time.Now().Add(launchTimeout)
	ticker := time.NewTicker(launchPollInterval)
	defer ticker.Stop()

	for {
		instance, err := c.getInstanceByServerID(serverID)
		if err == nil && instance.Status.IsTerminal() {
			return instance, nil
		}
		if time.Now().After(deadline) {
			return CloudInstance{}, &LaunchTimeoutError{InstanceID: id}
		}
		select {
		case <-ctx.Done():
			return CloudInstance{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetInstance looks up a single instance by InstanceId. A server not
// matching this client's prefix is treated as not found: it is not this
// manager's responsibility (spec.md §4.1 "Naming contract").
func (c *Client) GetInstance(ctx context.Context, id InstanceId) (CloudInstance, error) {
	if !strings.HasPrefix(string(id), c.prefix+"-") {
		return CloudInstance{}, fmt.Errorf("instance %s does not belong to prefix %s", id, c.prefix)
	}

	pages, err := servers.List(c.compute, servers.ListOpts{Name: "^" + string(id) + "$"}).AllPages()
	if err != nil {
		return CloudInstance{}, wrapTransient(err)
	}
	list, err := servers.ExtractServers(pages)
	if err != nil {
		return CloudInstance{}, err
	}
	if len(list) == 0 {
		return CloudInstance{}, fmt.Errorf("instance %s not found", id)
	}
	return toCloudInstance(list[0]), nil
}

func (c *Client) getInstanceByServerID(serverID string) (CloudInstance, error) {
	server, err := servers.Get(c.compute, serverID).Extract()
	if err != nil {
		return CloudInstance{}, err
	}
	return toCloudInstance(*server), nil
}

// GetInstances enumerates every server visible to this client whose name
// begins with Prefix; anything else is silently skipped (spec.md §4.1).
func (c *Client) GetInstances(ctx context.Context) ([]CloudInstance, error) {
	var all []CloudInstance
	err := c.retry.Do(ctx, func() error {
		all = nil
		pages, err := servers.List(c.compute, servers.ListOpts{}).AllPages()
		if err != nil {
			return wrapTransient(err)
		}
		list, err := servers.ExtractServers(pages)
		if err != nil {
			return err
		}
		for _, s := range list {
			if strings.HasPrefix(s.Name, c.prefix+"-") {
				all = append(all, toCloudInstance(s))
			}
		}
		return nil
	})
	return all, err
}

// DeleteInstance deletes the cloud server. Idempotent with respect to a
// server that is already gone.
func (c *Client) DeleteInstance(ctx context.Context, id InstanceId) error {
	instance, err := c.GetInstance(ctx, id)
	if err != nil {
		// Already gone; nothing to delete.
		return nil
	}
	if err := servers.Delete(c.compute, instance.ServerID).ExtractErr(); err != nil {
		return wrapTransient(err)
	}
	return nil
}

// DeleteKeyMaterial removes both the cloud keypair and the local keyfile for
// an instance. Idempotent; best-effort on the cloud side since a keypair may
// already be gone (spec.md §4.4 "delete the keypair; delete the keyfile").
func (c *Client) DeleteKeyMaterial(ctx context.Context, id InstanceId) error {
	if err := keypairs.Delete(c.compute, string(id), nil).ExtractErr(); err != nil {
		c.log.WithError(err).WithField("instance_id", id).Debug("delete keypair (may already be gone)")
	}
	return c.keyfiles.Delete(id)
}

// GetSSHConnection tries each network address in turn, opening a fresh,
// unpooled connection keyed by the instance's private keyfile
// (spec.md §4.1 "SSH contract").
func (c *Client) GetSSHConnection(ctx context.Context, instance CloudInstance) (*SSHSession, error) {
	key, err := c.keyfiles.Read(instance.InstanceID)
	if err != nil {
		return nil, err
	}
	return dialSSH(instance.InstanceID, instance.Addresses, key, sshDialTimeout)
}

// Cleanup reconciles three sets: on-disk keyfiles, cloud keypairs, and live
// instances. It deletes any key/keyfile not backing a live instance
// (spec.md §4.1 "Keypairs").
func (c *Client) Cleanup(ctx context.Context) error {
	live, err := c.GetInstances(ctx)
	if err != nil {
		return fmt.Errorf("list instances for cleanup: %w", err)
	}
	liveIDs := make(map[InstanceId]bool, len(live))
	for _, inst := range live {
		liveIDs[inst.InstanceID] = true
	}

	onDisk, err := c.keyfiles.List()
	if err != nil {
		return fmt.Errorf("list keyfiles for cleanup: %w", err)
	}
	for _, id := range onDisk {
		if !strings.HasPrefix(string(id), c.prefix+"-") {
			continue
		}
		if !liveIDs[id] {
			if err := c.keyfiles.Delete(id); err != nil {
				c.log.WithError(err).Warnf("failed to delete stale keyfile for %s", id)
			}
			if err := keypairs.Delete(c.compute, string(id), nil).ExtractErr(); err != nil {
				c.log.WithError(err).Debugf("failed to delete stale cloud keypair for %s (may already be gone)", id)
			}
		}
	}

	kpPages, err := keypairs.List(c.compute, nil).AllPages()
	if err != nil {
		return fmt.Errorf("list keypairs for cleanup: %w", err)
	}
	cloudKeys, err := keypairs.ExtractKeyPairs(kpPages)
	if err != nil {
		return fmt.Errorf("extract keypairs for cleanup: %w", err)
	}
	for _, kp := range cloudKeys {
		if strings.HasPrefix(kp.Name, c.prefix+"-") && !liveIDs[InstanceId(kp.Name)] {
			if err := keypairs.Delete(c.compute, kp.Name, nil).ExtractErr(); err != nil {
				c.log.WithError(err).Debugf("failed to delete stale cloud keypair %s", kp.Name)
			}
		}
	}
	return nil
}

func toCloudInstance(s servers.Server) CloudInstance {
	var addrs []string
	for _, netAddrs := range s.Addresses {
		list, ok := netAddrs.([]interface{})
		if !ok {
			continue
		}
		for _, a := range list {
			entry, ok := a.(map[string]interface{})
			if !ok {
				continue
			}
			if ip, ok := entry["addr"].(string); ok {
				addrs = append(addrs, ip)
			}
		}
	}

	return CloudInstance{
		InstanceID: InstanceId(s.Name),
		ServerID:   s.ID,
		ServerName: s.Name,
		Addresses:  addrs,
		CreatedAt:  s.Created,
		Status:     runnerStateFromStatus(s.Status),
	}
}

// transientError marks gophercloud errors worth retrying per spec.md §4.2's
// "5xx or network → ApiError (retryable by caller)" mapping, reused here for
// the cloud side of the same taxonomy.
type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retryable() bool { return true }

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case gophercloud.ErrDefault500, gophercloud.ErrDefault502, gophercloud.ErrDefault503:
		return &transientError{err: err}
	default:
		return err
	}
}
