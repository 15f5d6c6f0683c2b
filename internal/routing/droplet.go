package routing

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/digitalocean/godo"
	"golang.org/x/oauth2"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/logging"
)

// DropletConfig configures DropletProvisioner.
type DropletConfig struct {
	Token   string
	BaseURL string // overrides the DigitalOcean API endpoint
	Region  string
	Size    string
	Image   string
	SSHKeys []string // fingerprints
}

// DropletProvisioner runs remote agents on DigitalOcean droplets, one
// droplet per agent, found again by tag.
type DropletProvisioner struct {
	client *godo.Client
	cfg    DropletConfig
	log    *logging.Logger
}

// NewDropletProvisioner creates a provisioner authenticated with cfg.Token.
func NewDropletProvisioner(ctx context.Context, cfg DropletConfig, log *logging.Logger) (*DropletProvisioner, error) {
	if cfg.Token == "" {
		return nil, &domain.ConfigurationError{Message: "digitalocean token is required"}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	httpClient := oauth2.NewClient(ctx, ts)

	var opts []godo.ClientOpt
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, godo.SetBaseURL(base))
	}
	client, err := godo.New(httpClient, opts...)
	if err != nil {
		return nil, &domain.ConfigurationError{Message: "digitalocean client", Err: err}
	}
	return &DropletProvisioner{client: client, cfg: cfg, log: log.Sub("droplets")}, nil
}

// AgentTag is the droplet tag identifying an agent's instance.
func AgentTag(agentName string) string {
	return "gia-agent-" + hostname(agentName)
}

func (p *DropletProvisioner) Ensure(ctx context.Context, def domain.AgentDefinition, projectID string) (string, error) {
	tag := AgentTag(def.Name)
	droplets, _, err := p.client.Droplets.ListByTag(ctx, tag, &godo.ListOptions{PerPage: 50})
	if err != nil {
		return "", domain.Unavailable("digitalocean", err)
	}
	for _, d := range droplets {
		if d.Status == "active" || d.Status == "new" {
			p.log.Debug().Int("droplet", d.ID).Str("agent", def.Name).Msg("reusing droplet")
			return strconv.Itoa(d.ID), nil
		}
	}

	req := &godo.DropletCreateRequest{
		Name:     "gia-" + hostname(def.Name) + "-" + hostname(projectID),
		Region:   p.cfg.Region,
		Size:     p.cfg.Size,
		Image:    godo.DropletCreateImage{Slug: p.cfg.Image},
		Tags:     []string{tag, "gia"},
		UserData: userData(def, projectID),
	}
	for _, fp := range p.cfg.SSHKeys {
		req.SSHKeys = append(req.SSHKeys, godo.DropletCreateSSHKey{Fingerprint: fp})
	}

	d, _, err := p.client.Droplets.Create(ctx, req)
	if err != nil {
		return "", domain.Unavailable("digitalocean", err)
	}
	p.log.Info().Int("droplet", d.ID).Str("agent", def.Name).Str("region", p.cfg.Region).Msg("droplet created")
	return strconv.Itoa(d.ID), nil
}

func (p *DropletProvisioner) Healthy(ctx context.Context, id string) (bool, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return false, &domain.ValidationError{Field: "machineId", Message: "droplet id must be numeric"}
	}
	d, resp, err := p.client.Droplets.Get(ctx, n)
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, domain.Unavailable("digitalocean", err)
	}
	return d.Status == "active", nil
}

func (p *DropletProvisioner) Release(ctx context.Context, id string) error {
	n, err := strconv.Atoi(id)
	if err != nil {
		return &domain.ValidationError{Field: "machineId", Message: "droplet id must be numeric"}
	}
	resp, err := p.client.Droplets.Delete(ctx, n)
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return domain.Unavailable("digitalocean", err)
	}
	p.log.Info().Int("droplet", n).Msg("droplet deleted")
	return nil
}

func userData(def domain.AgentDefinition, projectID string) string {
	var b strings.Builder
	b.WriteString("#cloud-config\nwrite_files:\n  - path: /etc/gia/agent.env\n    content: |\n")
	fmt.Fprintf(&b, "      GIA_AGENT=%s\n", def.Name)
	fmt.Fprintf(&b, "      GIA_PROJECT=%s\n", projectID)
	if def.RemoteCodePath != "" {
		fmt.Fprintf(&b, "      GIA_CODE_PATH=%s\n", def.RemoteCodePath)
	}
	return b.String()
}

// hostname maps s onto the characters droplet names accept.
func hostname(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}
