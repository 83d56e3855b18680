// File: internal/fetch/nvd.go
package fetch

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
)

// NVDEntry is the part of an NVD CVE record advisories are built from.
type NVDEntry struct {
	ID          string
	Description string
	Published   int64
	References  []string
	// Affected holds inclusive upper bounds of vulnerable ranges, Fixed the
	// exclusive ones, both in document order.
	Affected []string
	Fixed    []string
	Products []string
}

// nvdResponse mirrors the NVD CVE API 2.0 response.
type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID           string `json:"id"`
			Published    string `json:"published"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			References []struct {
				URL string `json:"url"`
			} `json:"references"`
			Configurations []struct {
				Nodes []struct {
					CPEMatch []struct {
						Vulnerable          bool   `json:"vulnerable"`
						Criteria            string `json:"criteria"`
						VersionEndIncluding string `json:"versionEndIncluding"`
						VersionEndExcluding string `json:"versionEndExcluding"`
					} `json:"cpeMatch"`
				} `json:"nodes"`
			} `json:"configurations"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// NVDClient queries the NVD CVE API.
type NVDClient struct {
	client   *Client
	endpoint string
	apiKey   string
}

// NewNVDClient uses cfg.NVDURL as the API endpoint.
func NewNVDClient(client *Client, cfg config.FetchConfig) *NVDClient {
	return &NVDClient{client: client, endpoint: cfg.NVDURL, apiKey: cfg.NVDAPIKey}
}

// Lookup fetches one CVE by id.
func (n *NVDClient) Lookup(ctx context.Context, id string) (*NVDEntry, error) {
	if n.endpoint == "" {
		return nil, errkind.New(errkind.InvalidInput, "fetch.NVD", "no NVD endpoint configured")
	}
	u, err := url.Parse(n.endpoint)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "fetch.NVD", err)
	}
	q := u.Query()
	q.Set("cveId", id)
	u.RawQuery = q.Encode()

	var headers map[string]string
	if n.apiKey != "" {
		headers = map[string]string{"apiKey": n.apiKey}
	}

	var resp nvdResponse
	if err := n.client.GetJSON(ctx, u.String(), headers, &resp); err != nil {
		n.client.metrics.FetchFailure("nvd")
		return nil, err
	}
	if len(resp.Vulnerabilities) == 0 {
		return nil, errkind.Errorf(errkind.NotFound, "fetch.NVD", "%s is not known to NVD", id)
	}

	cve := resp.Vulnerabilities[0].CVE
	entry := &NVDEntry{ID: cve.ID, Published: parseNVDTime(cve.Published)}
	for _, d := range cve.Descriptions {
		if d.Lang == "en" {
			entry.Description = d.Value
			break
		}
	}
	for _, r := range cve.References {
		entry.References = append(entry.References, r.URL)
	}

	products := make(map[string]struct{})
	for _, conf := range cve.Configurations {
		for _, node := range conf.Nodes {
			for _, m := range node.CPEMatch {
				if !m.Vulnerable {
					continue
				}
				if m.VersionEndIncluding != "" {
					entry.Affected = append(entry.Affected, m.VersionEndIncluding)
				}
				if m.VersionEndExcluding != "" {
					entry.Fixed = append(entry.Fixed, m.VersionEndExcluding)
				}
				// cpe:2.3:part:vendor:product:version:...
				if fields := strings.Split(m.Criteria, ":"); len(fields) > 4 && fields[4] != "*" {
					products[fields[4]] = struct{}{}
				}
			}
		}
	}
	for p := range products {
		entry.Products = append(entry.Products, p)
	}
	sort.Strings(entry.Products)
	return entry, nil
}

// parseNVDTime reads NVD's zone-less UTC timestamps. Unparseable input is 0.
func parseNVDTime(s string) int64 {
	for _, layout := range []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix()
		}
	}
	return 0
}
