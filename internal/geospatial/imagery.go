package geospatial

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// Imagery categories.
const (
	ImageryBing         = "Bing"
	ImageryEsri         = "Esri"
	ImageryMapbox       = "Mapbox"
	ImageryMaxar        = "Maxar"
	ImageryCustom       = "Custom"
	ImageryOther        = "Other"
	ImageryNotSpecified = "Not specified"
)

// first match wins
var imageryPatterns = []struct {
	re       *regexp.Regexp
	category string
}{
	{regexp.MustCompile(`bing`), ImageryBing},
	{regexp.MustCompile(`esri|arcgis|world.imagery`), ImageryEsri},
	{regexp.MustCompile(`mapbox`), ImageryMapbox},
	{regexp.MustCompile(`maxar|digitalglobe|vivid|securewatch`), ImageryMaxar},
	{regexp.MustCompile(`openaerialmap|oam|open.aerial|custom`), ImageryCustom},
}

// NormalizeImagery maps a raw imagery source string onto a fixed category.
// It is total: blank input is "Not specified", anything unrecognized "Other".
func NormalizeImagery(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ImageryNotSpecified
	}
	folded := cases.Fold().String(s)
	for _, p := range imageryPatterns {
		if p.re.MatchString(folded) {
			return p.category
		}
	}
	return ImageryOther
}
