package s3

import (
	"regexp"
	"strings"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// vendorSpec captures how one S3-compatible vendor differs from AWS.
type vendorSpec struct {
	// endpointTemplate uses {region} and {account_id} placeholders.
	// Empty means the SDK's own AWS endpoint resolution.
	endpointTemplate string

	// pathStyle selects path-style addressing instead of virtual-host.
	pathStyle bool

	// fixedRegion overrides any user-supplied region.
	fixedRegion string

	// regions is the allowlist of accepted regions. Empty accepts any.
	regions []string

	needsAccountID bool

	bucketPattern *regexp.Regexp
}

var (
	awsBucketPattern        = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	spacesBucketPattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{2,62}[a-z0-9]$`)
	cloudflareBucketPattern = regexp.MustCompile(`^[a-zA-Z0-9.\-_]{3,63}$`)
)

var vendors = map[provider.ProviderType]vendorSpec{
	provider.ProviderAWS: {
		bucketPattern: awsBucketPattern,
	},
	provider.ProviderWasabi: {
		endpointTemplate: "https://s3.{region}.wasabisys.com",
		bucketPattern:    awsBucketPattern,
	},
	provider.ProviderDigitalOcean: {
		endpointTemplate: "https://{region}.digitaloceanspaces.com",
		regions:          []string{"nyc3", "ams3", "sgp1", "fra1", "sfo3"},
		bucketPattern:    spacesBucketPattern,
	},
	provider.ProviderCloudflare: {
		endpointTemplate: "https://{account_id}.r2.cloudflarestorage.com",
		fixedRegion:      "auto",
		needsAccountID:   true,
		bucketPattern:    cloudflareBucketPattern,
	},
	provider.ProviderHetzner: {
		endpointTemplate: "https://{region}.your-objectstorage.com",
		pathStyle:        true,
		regions:          []string{"nbg1", "fsn1", "hel1", "ash", "hil", "sin"},
		bucketPattern:    spacesBucketPattern,
	},
}

func (v vendorSpec) endpoint(region, accountID string) string {
	if v.endpointTemplate == "" {
		return ""
	}
	return strings.NewReplacer("{region}", region, "{account_id}", accountID).Replace(v.endpointTemplate)
}

// Vendors returns the vendor types served by this package.
func Vendors() []provider.ProviderType {
	return []provider.ProviderType{
		provider.ProviderAWS,
		provider.ProviderWasabi,
		provider.ProviderDigitalOcean,
		provider.ProviderCloudflare,
		provider.ProviderHetzner,
	}
}
