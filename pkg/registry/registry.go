package registry

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// Registry is the read-only institution seed data the engine consumes.
type Registry interface {
	FindInstitutionByURL(rawURL string) (*models.Institution, bool)
	GetAllSeedURLs() []Seed
	Institution(id string) (*models.Institution, bool)
}

// Seed is one start URL with its owning institution.
type Seed struct {
	URL           string
	Host          string
	InstitutionID string
}

type file struct {
	Institutions []models.Institution `yaml:"institutions"`
}

// Static is an in-memory registry built once at startup.
type Static struct {
	institutions []models.Institution
	byHost       map[string]int // exact host (www stripped)
	byDomain     map[string]int // registrable domain (eTLD+1)
}

// LoadFile reads a YAML registry and merges inline entries; inline entries
// win on duplicate IDs. Credentials are resolved from the environment.
func LoadFile(path string, inline []models.Institution) (*Static, error) {
	var f file
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read registry '%s': %w", utils.ErrFilesystem, path, err)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: parse registry '%s': %w", utils.ErrConfigValidation, path, err)
		}
	}
	merged := make(map[string]models.Institution, len(f.Institutions)+len(inline))
	order := []string{}
	for _, list := range [][]models.Institution{f.Institutions, inline} {
		for _, inst := range list {
			if _, seen := merged[inst.ID]; !seen {
				order = append(order, inst.ID)
			}
			merged[inst.ID] = inst
		}
	}
	all := make([]models.Institution, 0, len(order))
	for _, id := range order {
		all = append(all, merged[id])
	}
	return New(all, os.Getenv)
}

// New indexes institutions. getenv supplies credentials for login configs.
func New(institutions []models.Institution, getenv func(string) string) (*Static, error) {
	s := &Static{
		institutions: make([]models.Institution, 0, len(institutions)),
		byHost:       make(map[string]int),
		byDomain:     make(map[string]int),
	}
	for _, inst := range institutions {
		if inst.ID == "" {
			return nil, fmt.Errorf("%w: institution without id (%q)", utils.ErrConfigValidation, inst.Name)
		}
		if inst.BaseURL == "" && len(inst.SeedURLs) == 0 {
			return nil, fmt.Errorf("%w: institution %s has neither base_url nor seed_urls", utils.ErrConfigValidation, inst.ID)
		}
		if inst.Login != nil && getenv != nil {
			login := *inst.Login
			prefix := EnvPrefix(inst.ID)
			login.Email = getenv(prefix + "_EMAIL")
			login.Password = getenv(prefix + "_PASSWORD")
			inst.Login = &login
		}
		idx := len(s.institutions)
		s.institutions = append(s.institutions, inst)

		for _, raw := range append([]string{inst.BaseURL}, inst.SeedURLs...) {
			u, err := url.Parse(raw)
			if err != nil || u.Host == "" {
				continue
			}
			host := parse.HostOf(u)
			if _, taken := s.byHost[host]; !taken {
				s.byHost[host] = idx
			}
			if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
				if _, taken := s.byDomain[domain]; !taken {
					s.byDomain[domain] = idx
				}
			}
		}
	}
	return s, nil
}

// EnvPrefix turns an institution id into its environment variable prefix.
func EnvPrefix(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FindInstitutionByURL matches the exact host first, then the registrable domain.
func (s *Static) FindInstitutionByURL(rawURL string) (*models.Institution, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, false
	}
	host := parse.HostOf(u)
	if idx, ok := s.byHost[host]; ok {
		return &s.institutions[idx], true
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return nil, false
	}
	if idx, ok := s.byDomain[domain]; ok {
		return &s.institutions[idx], true
	}
	return nil, false
}

// Institution returns the entry with the given id.
func (s *Static) Institution(id string) (*models.Institution, bool) {
	for i := range s.institutions {
		if s.institutions[i].ID == id {
			return &s.institutions[i], true
		}
	}
	return nil, false
}

// GetAllSeedURLs returns canonical, de-duplicated seeds in a stable order.
// Institutions without explicit seeds contribute their base URL.
func (s *Static) GetAllSeedURLs() []Seed {
	seen := make(map[string]bool)
	var seeds []Seed
	for _, inst := range s.institutions {
		raws := inst.SeedURLs
		if len(raws) == 0 {
			raws = []string{inst.BaseURL}
		}
		for _, raw := range raws {
			canonical, u, err := parse.ParseAndNormalize(raw)
			if err != nil || seen[canonical] {
				continue
			}
			seen[canonical] = true
			seeds = append(seeds, Seed{URL: canonical, Host: parse.HostOf(u), InstitutionID: inst.ID})
		}
	}
	sort.SliceStable(seeds, func(i, j int) bool { return seeds[i].Host < seeds[j].Host })
	return seeds
}

// Len returns the number of institutions.
func (s *Static) Len() int { return len(s.institutions) }
